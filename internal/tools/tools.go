// Package tools exposes the snapshot cache and the element resolver as ADK
// function tools, so an agent can look up screens and locate elements.
package tools

import (
	"fmt"

	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/locator"
	"github.com/easeaico/snaplocator/internal/matcher"
)

// Tool names.
const (
	ToolLookupSnapshot = "lookup_snapshot"
	ToolLatestSnapshot = "latest_snapshot"
	ToolResolveElement = "resolve_element"
	ToolCleanupCache   = "cleanup_cache"
	ToolCacheStats     = "cache_stats"
)

// ToolsConfig holds dependencies for creating tools.
type ToolsConfig struct {
	Cache    *cache.Cache
	Resolver *matcher.Resolver
}

// --- Tool Input Structs ---

// LookupSnapshotArgs is the input for lookup_snapshot tool.
type LookupSnapshotArgs struct {
	ID             string `json:"id,omitempty" jsonschema:"description=快照 ID"`
	Hash           string `json:"hash,omitempty" jsonschema:"description=快照内容哈希"`
	IncludeContent bool   `json:"include_content,omitempty" jsonschema:"description=是否返回完整 XML 内容"`
}

// LatestSnapshotArgs is the input for latest_snapshot tool.
type LatestSnapshotArgs struct {
	PackageName    string `json:"package_name,omitempty" jsonschema:"description=应用包名，用于限定页面"`
	Activity       string `json:"activity,omitempty" jsonschema:"description=Activity 名称，用于限定页面"`
	IncludeContent bool   `json:"include_content,omitempty" jsonschema:"description=是否返回完整 XML 内容"`
}

// ResolveElementArgs is the input for resolve_element tool.
type ResolveElementArgs struct {
	Locator    locator.ElementLocator `json:"locator" jsonschema:"description=元素定位器"`
	SnapshotID string                 `json:"snapshot_id,omitempty" jsonschema:"description=目标快照 ID，缺省为最新快照"`
	Content    string                 `json:"content,omitempty" jsonschema:"description=目标快照 XML，优先于 snapshot_id"`
	Position   string                 `json:"position,omitempty" jsonschema:"description=位置选择：first、last、middle 或 index"`
	Index      int                    `json:"index,omitempty" jsonschema:"description=position 为 index 时的序号（从 0 开始）"`
	Exclude    []string               `json:"exclude,omitempty" jsonschema:"description=需要排除的文本"`
	Floor      float64                `json:"floor,omitempty" jsonschema:"description=置信度下限"`
}

// CleanupCacheArgs is the input for cleanup_cache tool.
type CleanupCacheArgs struct{}

// CacheStatsArgs is the input for cache_stats tool.
type CacheStatsArgs struct{}

// --- Tool Constructors ---

func createLookupSnapshotTool(h *Handler) (tool.Tool, error) {
	handler := func(ctx tool.Context, args LookupSnapshotArgs) (ToolResult, error) {
		return h.LookupSnapshot(ctx, args), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        ToolLookupSnapshot,
		Description: "按 ID 或内容哈希查找已缓存的界面快照。",
	}, handler)
}

func createLatestSnapshotTool(h *Handler) (tool.Tool, error) {
	handler := func(ctx tool.Context, args LatestSnapshotArgs) (ToolResult, error) {
		return h.LatestSnapshot(ctx, args), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        ToolLatestSnapshot,
		Description: "获取最近捕获的界面快照，可按应用包名和 Activity 限定页面。",
	}, handler)
}

func createResolveElementTool(h *Handler) (tool.Tool, error) {
	handler := func(ctx tool.Context, args ResolveElementArgs) (ToolResult, error) {
		return h.ResolveElement(ctx, args), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        ToolResolveElement,
		Description: "在快照中重新定位元素，返回按置信度排序的候选元素及其坐标。",
	}, handler)
}

func createCleanupCacheTool(h *Handler) (tool.Tool, error) {
	handler := func(ctx tool.Context, _ CleanupCacheArgs) (ToolResult, error) {
		return h.CleanupCache(ctx), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        ToolCleanupCache,
		Description: "立即清理过期和超出容量的快照。",
	}, handler)
}

func createCacheStatsTool(h *Handler) (tool.Tool, error) {
	handler := func(ctx tool.Context, _ CacheStatsArgs) (ToolResult, error) {
		return h.CacheStats(ctx), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        ToolCacheStats,
		Description: "查看快照缓存的统计信息。",
	}, handler)
}

// BuildTools creates all agent tools with the given configuration.
func BuildTools(cfg ToolsConfig) ([]tool.Tool, error) {
	h := NewHandler(cfg.Cache, cfg.Resolver)
	constructors := []struct {
		name string
		fn   func(*Handler) (tool.Tool, error)
	}{
		{ToolLookupSnapshot, createLookupSnapshotTool},
		{ToolLatestSnapshot, createLatestSnapshotTool},
		{ToolResolveElement, createResolveElementTool},
		{ToolCleanupCache, createCleanupCacheTool},
		{ToolCacheStats, createCacheStatsTool},
	}

	tools := make([]tool.Tool, 0, len(constructors))
	for _, c := range constructors {
		t, err := c.fn(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tool: %w", c.name, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}
