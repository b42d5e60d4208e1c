package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"
)

const screen = `<hierarchy rotation="0"><node index="0" text="关注" resource-id="com.xingin.xhs:id/follow" class="android.widget.TextView" package="com.xingin.xhs" content-desc="" clickable="true" bounds="[800,200][1040,300]" /></hierarchy>`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMigrator(t *testing.T) (*Migrator, *cache.Cache) {
	t.Helper()
	c := cache.New(nil, cache.Config{}, discardLogger())
	t.Cleanup(func() { c.Close(context.Background()) })
	return NewMigrator(c, discardLogger()), c
}

// decodeStep builds a step the way it arrives from persisted JSON.
func decodeStep(t *testing.T, raw string) Step {
	t.Helper()
	var s Step
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("failed to decode step: %v", err)
	}
	return s
}

func encode(t *testing.T, s Step) []byte {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("failed to encode step: %v", err)
	}
	return data
}

func legacyStep(t *testing.T) Step {
	t.Helper()
	params := map[string]any{
		"selected_xpath": "/hierarchy/node[1]",
		"xmlSnapshot": map[string]any{
			"xmlContent": screen,
			"xmlHash":    "-5f3a91",
			"timestamp":  1700000000000,
		},
	}
	data, _ := json.Marshal(map[string]any{"id": "s1", "name": "tap follow", "type": "tap", "parameters": params})
	return decodeStep(t, string(data))
}

func TestMigrate_LegacyInlineSnapshot(t *testing.T) {
	ctx := context.Background()
	m, c := newMigrator(t)
	step := legacyStep(t)
	before := encode(t, step)

	res, err := m.Migrate(ctx, step, Options{})
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !res.Migrated {
		t.Fatal("expected migration")
	}
	if !bytes.Equal(encode(t, step), before) {
		t.Error("expected input step to be left untouched")
	}

	hash := fingerprint.Of(screen)
	b, ok := res.Step.Binding()
	if !ok || b.Hash != hash || b.CacheID != "migrated_"+hash.Short() {
		t.Fatalf("unexpected binding: %+v", b)
	}
	if _, ok := res.Step.InlineContent(); ok {
		t.Error("expected inline content to be removed")
	}
	if got := res.Step.Parameters[KeyAbsoluteXPath]; got != "/hierarchy/node[1]" {
		t.Errorf("expected renamed xpath, got %v", got)
	}
	if _, ok := res.Step.Parameters["selected_xpath"]; ok {
		t.Error("expected legacy xpath key to be removed")
	}

	e, err := c.Get(ctx, b.CacheID)
	if err != nil || e == nil {
		t.Fatalf("expected interned snapshot, got %v, %v", e, err)
	}
	if e.Content != screen || e.CapturedAt != 1700000000000 {
		t.Errorf("unexpected interned entry: %+v", e)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	for _, retain := range []bool{false, true} {
		t.Run(map[bool]string{false: "reference only", true: "retain inline"}[retain], func(t *testing.T) {
			ctx := context.Background()
			m, _ := newMigrator(t)

			first, err := m.Migrate(ctx, legacyStep(t), Options{RetainInline: retain})
			if err != nil || !first.Migrated {
				t.Fatalf("expected first run to migrate, got %+v, %v", first, err)
			}
			// Persist and reload as a caller would.
			reloaded := decodeStep(t, string(encode(t, first.Step)))

			second, err := m.Migrate(ctx, reloaded, Options{RetainInline: retain})
			if err != nil {
				t.Fatalf("second migrate failed: %v", err)
			}
			if second.Migrated {
				t.Errorf("expected no-op, got changes %v", second.Changes)
			}
			if !bytes.Equal(encode(t, second.Step), encode(t, first.Step)) {
				t.Errorf("expected byte-identical output:\n%s\n%s", encode(t, first.Step), encode(t, second.Step))
			}

			content, ok := second.Step.InlineContent()
			if ok != retain {
				t.Errorf("expected inline copy present=%v", retain)
			}
			if retain && content != screen {
				t.Error("expected retained copy to equal the original content")
			}
		})
	}
}

func TestMigrate_LegacyFields(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantXPath string
		wantID    string
	}{
		{
			name:      "original_xml with global xpath",
			raw:       `{"id":"a","parameters":{"original_xml":` + quote(screen) + `,"element_global_xpath":"/hierarchy/node[1]"}}`,
			wantXPath: "/hierarchy/node[1]",
			wantID:    "migrated_" + fingerprint.Of(screen).Short(),
		},
		{
			name:      "xmlContent keeps existing cache id",
			raw:       `{"id":"b","parameters":{"xmlContent":` + quote(screen) + `,"xmlSnapshot":{"xmlCacheId":"ui_dump_1"},"elementGlobalXPath":"/hierarchy/node[1]"}}`,
			wantXPath: "/hierarchy/node[1]",
			wantID:    "ui_dump_1",
		},
		{
			name:      "nested original_data xpath",
			raw:       `{"id":"c","parameters":{"xmlSnapshot":{"xmlContent":` + quote(screen) + `},"original_data":{"selected_xpath":"/hierarchy/node[1]","confidence":0.9}}}`,
			wantXPath: "/hierarchy/node[1]",
			wantID:    "migrated_" + fingerprint.Of(screen).Short(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMigrator(t)
			res, err := m.Migrate(context.Background(), decodeStep(t, tt.raw), Options{})
			if err != nil {
				t.Fatalf("migrate failed: %v", err)
			}
			if got := res.Step.Parameters[KeyAbsoluteXPath]; got != tt.wantXPath {
				t.Errorf("expected xpath %q, got %v", tt.wantXPath, got)
			}
			b, ok := res.Step.Binding()
			if !ok || b.CacheID != tt.wantID || b.Hash != fingerprint.Of(screen) {
				t.Errorf("unexpected binding %+v", b)
			}
			for _, k := range []string{"original_xml", "xmlContent", "xmlSnapshot", "element_global_xpath", "elementGlobalXPath"} {
				if _, ok := res.Step.Parameters[k]; ok {
					t.Errorf("expected %s to be removed", k)
				}
			}
		})
	}

	m, _ := newMigrator(t)
	res, _ := m.Migrate(context.Background(), decodeStep(t, tests[2].raw), Options{})
	orig, ok := res.Step.Parameters["original_data"].(map[string]any)
	if !ok || orig["confidence"] != 0.9 {
		t.Errorf("expected other original_data fields to survive, got %v", res.Step.Parameters["original_data"])
	}
}

func TestMigrate_Rebind(t *testing.T) {
	ctx := context.Background()
	m, c := newMigrator(t)
	if _, err := c.Put(ctx, cache.PutRequest{ID: "dump_7", Content: screen}); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	legacyRef := decodeStep(t, `{"id":"r","parameters":{"xmlCacheRef":{"cacheId":"dump_7","hash":"-1a2b3c"}}}`)
	res, err := m.Migrate(ctx, legacyRef, Options{})
	if err != nil || !res.Migrated {
		t.Fatalf("expected legacy hash to be recomputed, got %+v, %v", res, err)
	}
	if b, _ := res.Step.Binding(); b.Hash != fingerprint.Of(screen) {
		t.Errorf("expected recomputed hash, got %s", b.Hash)
	}

	bare := decodeStep(t, `{"id":"b","parameters":{"xmlSnapshot":{"xmlCacheId":"dump_7","xmlHash":"77"}}}`)
	res, err = m.Migrate(ctx, bare, Options{})
	if err != nil || !res.Migrated {
		t.Fatalf("expected bare cache id to be bound, got %+v, %v", res, err)
	}
	if _, ok := res.Step.Parameters[KeySnapshot]; ok {
		t.Error("expected xmlSnapshot to be replaced by a reference")
	}

	missing := decodeStep(t, `{"id":"m","parameters":{"xmlSnapshot":{"xmlCacheId":"gone"}}}`)
	res, err = m.Migrate(ctx, missing, Options{})
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if res.Migrated || !bytes.Equal(encode(t, res.Step), encode(t, missing)) {
		t.Errorf("expected step with missing snapshot to be left as is, got %+v", res)
	}
}

func TestMigrate_KeepsCachedEntries(t *testing.T) {
	ctx := context.Background()
	other := strings.Replace(screen, "关注", "已关注", 1)

	tests := []struct {
		name   string
		seed   []cache.PutRequest
		raw    string
		wantID string
	}{
		{
			name: "same id and content",
			seed: []cache.PutRequest{
				{ID: "old", Content: screen, CapturedAt: 1000, Meta: &snapshot.Meta{PackageName: "com.a", Activity: "Main"}},
				{ID: "cur", Content: other, CapturedAt: 5000},
			},
			raw:    `{"id":"s","parameters":{"xmlSnapshot":{"xmlContent":` + quote(screen) + `,"xmlCacheId":"old"}}}`,
			wantID: "old",
		},
		{
			name: "content cached under another id",
			seed: []cache.PutRequest{
				{ID: "old", Content: screen, CapturedAt: 1000, Meta: &snapshot.Meta{PackageName: "com.a", Activity: "Main"}},
				{ID: "cur", Content: other, CapturedAt: 5000},
			},
			raw:    `{"id":"s","parameters":{"xmlSnapshot":{"xmlContent":` + quote(screen) + `,"xmlCacheId":"cur"}}}`,
			wantID: "old",
		},
		{
			name: "id taken by other content",
			seed: []cache.PutRequest{
				{ID: "cur", Content: other, CapturedAt: 5000},
			},
			raw:    `{"id":"s","parameters":{"xmlSnapshot":{"xmlContent":` + quote(screen) + `,"xmlCacheId":"cur","timestamp":2000}}}`,
			wantID: "migrated_" + fingerprint.Of(screen).Short(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c := newMigrator(t)
			for _, req := range tt.seed {
				if _, err := c.Put(ctx, req); err != nil {
					t.Fatalf("failed to seed cache: %v", err)
				}
			}

			res, err := m.Migrate(ctx, decodeStep(t, tt.raw), Options{})
			if err != nil || !res.Migrated {
				t.Fatalf("expected migration, got %+v, %v", res, err)
			}
			if b, _ := res.Step.Binding(); b.CacheID != tt.wantID || b.Hash != fingerprint.Of(screen) {
				t.Errorf("unexpected binding %+v", b)
			}

			for _, req := range tt.seed {
				e, err := c.Get(ctx, req.ID)
				if err != nil || e == nil {
					t.Fatalf("expected %s to stay cached, got %v, %v", req.ID, e, err)
				}
				if e.Content != req.Content || e.CapturedAt != req.CapturedAt {
					t.Errorf("expected %s to be left untouched, got %+v", req.ID, e)
				}
				if req.Meta != nil && (e.Meta == nil || *e.Meta != *req.Meta) {
					t.Errorf("expected %s to keep its meta, got %+v", req.ID, e.Meta)
				}
			}

			latest, err := c.GetLatest(ctx, nil)
			if err != nil || latest == nil || latest.ID != "cur" {
				t.Errorf("expected cur to stay the latest snapshot, got %+v, %v", latest, err)
			}
		})
	}
}

func TestMigrateAll(t *testing.T) {
	m, _ := newMigrator(t)
	steps := []Step{
		legacyStep(t),
		{ID: "plain", Type: "wait"},
		decodeStep(t, `{"id":"x","parameters":{"absoluteXPath":"/hierarchy/node[1]"}}`),
	}
	results, err := m.MigrateAll(context.Background(), steps, Options{})
	if err != nil {
		t.Fatalf("migrate all failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	want := []bool{true, false, false}
	for i, r := range results {
		if r.Migrated != want[i] {
			t.Errorf("step %s: expected migrated=%v", r.Step.ID, want[i])
		}
	}
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
