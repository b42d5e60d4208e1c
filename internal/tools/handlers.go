package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/matcher"
	"github.com/easeaico/snaplocator/internal/snapshot"
)

// Handler implements the tools over a cache and a resolver. It serves both
// the ADK function tools and raw JSON tool calls.
type Handler struct {
	cache    *cache.Cache
	resolver *matcher.Resolver
}

// NewHandler creates a new tool handler with the given dependencies.
func NewHandler(c *cache.Cache, resolver *matcher.Resolver) *Handler {
	return &Handler{cache: c, resolver: resolver}
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failure(format string, args ...any) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// SnapshotView is the tool-facing shape of a cache entry.
type SnapshotView struct {
	ID          string               `json:"id"`
	Hash        string               `json:"hash"`
	CapturedAt  int64                `json:"captured_at"`
	PageContext snapshot.PageContext `json:"page_context"`
	Meta        *snapshot.Meta       `json:"meta,omitempty"`
	Content     string               `json:"content,omitempty"`
}

func view(e *snapshot.Entry, withContent bool) SnapshotView {
	v := SnapshotView{
		ID:          e.ID,
		Hash:        e.ContentHash.String(),
		CapturedAt:  e.CapturedAt,
		PageContext: e.PageContext,
		Meta:        e.Meta,
	}
	if withContent {
		v.Content = e.Content
	}
	return v
}

// HandleToolCall dispatches and executes a tool call based on its name.
func (h *Handler) HandleToolCall(ctx context.Context, name string, args map[string]any) (string, error) {
	var result ToolResult

	switch name {
	case ToolLookupSnapshot:
		var a LookupSnapshotArgs
		result = decodeArgs(args, &a, func() ToolResult { return h.LookupSnapshot(ctx, a) })
	case ToolLatestSnapshot:
		var a LatestSnapshotArgs
		result = decodeArgs(args, &a, func() ToolResult { return h.LatestSnapshot(ctx, a) })
	case ToolResolveElement:
		var a ResolveElementArgs
		result = decodeArgs(args, &a, func() ToolResult { return h.ResolveElement(ctx, a) })
	case ToolCleanupCache:
		result = h.CleanupCache(ctx)
	case ToolCacheStats:
		result = h.CacheStats(ctx)
	default:
		result = failure("unknown tool: %s", name)
	}

	jsonResult, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(jsonResult), nil
}

func decodeArgs(args map[string]any, dst any, run func() ToolResult) ToolResult {
	data, err := json.Marshal(args)
	if err != nil {
		return failure("invalid arguments: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return failure("invalid arguments: %v", err)
	}
	return run()
}

// LookupSnapshot finds a snapshot by id or content hash.
func (h *Handler) LookupSnapshot(ctx context.Context, args LookupSnapshotArgs) ToolResult {
	var (
		e   *snapshot.Entry
		err error
	)
	switch {
	case args.ID != "":
		e, err = h.cache.Get(ctx, args.ID)
	case args.Hash != "":
		e, err = h.cache.GetByHash(ctx, fingerprint.Hash(args.Hash))
	default:
		return failure("id or hash is required")
	}
	if err != nil {
		return failure("failed to look up snapshot: %v", err)
	}
	if e == nil {
		return ToolResult{Success: true, Data: "snapshot not found"}
	}
	return ToolResult{Success: true, Data: view(e, args.IncludeContent)}
}

// LatestSnapshot returns the most recent snapshot, scoped to a page when
// package and activity are given.
func (h *Handler) LatestSnapshot(ctx context.Context, args LatestSnapshotArgs) ToolResult {
	var filter *snapshot.Meta
	if args.PackageName != "" || args.Activity != "" {
		filter = &snapshot.Meta{PackageName: args.PackageName, Activity: args.Activity}
	}
	e, err := h.cache.GetLatest(ctx, filter)
	if err != nil {
		return failure("failed to get latest snapshot: %v", err)
	}
	if e == nil {
		return ToolResult{Success: true, Data: "cache is empty"}
	}
	return ToolResult{Success: true, Data: view(e, args.IncludeContent)}
}

// ResolveElement runs a locator against a snapshot.
func (h *Handler) ResolveElement(ctx context.Context, args ResolveElementArgs) ToolResult {
	content := args.Content
	if content == "" {
		var (
			e   *snapshot.Entry
			err error
		)
		if args.SnapshotID != "" {
			e, err = h.cache.Get(ctx, args.SnapshotID)
		} else {
			e, err = h.cache.GetLatest(ctx, nil)
		}
		if err != nil {
			return failure("failed to load snapshot: %v", err)
		}
		if e == nil {
			return failure("snapshot not found")
		}
		content = e.Content
	}

	res, err := h.resolver.Resolve(&args.Locator, content, matcher.Options{
		Floor:    args.Floor,
		Exclude:  args.Exclude,
		Position: matcher.Position(args.Position),
		Index:    args.Index,
	})
	if err != nil {
		return failure("failed to resolve element: %v", err)
	}
	return ToolResult{Success: true, Data: res}
}

// CleanupCache runs a cleanup pass now.
func (h *Handler) CleanupCache(ctx context.Context) ToolResult {
	res, err := h.cache.Cleanup(ctx)
	if err != nil {
		return failure("cleanup failed: %v", err)
	}
	return ToolResult{Success: true, Data: res}
}

// CacheStats reports cache sizes and the last cleanup.
func (h *Handler) CacheStats(ctx context.Context) ToolResult {
	return ToolResult{Success: true, Data: h.cache.Stats(ctx)}
}
