package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"
	"github.com/easeaico/snaplocator/internal/steps"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dump(label string) string {
	return fmt.Sprintf(`<hierarchy rotation="0"><node index="0" text="%s" resource-id="app:id/label" class="android.widget.TextView" package="com.example" content-desc="" clickable="true" bounds="[0,0][100,100]" /></hierarchy>`, label)
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(nil, cache.Config{}, discardLogger())
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func boundStep(id string, e *snapshot.Entry) steps.Step {
	s := steps.Step{ID: id, Type: "tap"}
	s.SetBinding(steps.Binding{CacheID: e.ID, Hash: e.ContentHash})
	return s
}

// exportFixture fills a cache with two snapshots and three steps, two of
// which share a snapshot.
func exportFixture(t *testing.T) (*cache.Cache, []steps.Step, []fingerprint.Hash) {
	t.Helper()
	ctx := context.Background()
	src := newCache(t)

	home, err := src.Put(ctx, cache.PutRequest{ID: "home", Content: dump("home"), Meta: &snapshot.Meta{PackageName: "com.example", Activity: ".Home"}})
	if err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	detail, err := src.Put(ctx, cache.PutRequest{ID: "detail", Content: dump("detail")})
	if err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	list := []steps.Step{
		boundStep("s1", home),
		boundStep("s2", detail),
		boundStep("s3", home),
		{ID: "wait", Type: "wait"},
	}
	return src, list, []fingerprint.Hash{home.ContentHash, detail.ContentHash}
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src, list, hashes := exportFixture(t)

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b, err := Export(ctx, list, src, ExportOptions{Logger: discardLogger(), Now: func() time.Time { return fixed }})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if b.Metadata.ExportVersion != Version || !b.Metadata.ExportedAt.Equal(fixed) {
		t.Errorf("unexpected metadata: %+v", b.Metadata)
	}
	if len(b.Steps) != 4 || len(b.XMLCache) != 2 {
		t.Fatalf("expected 4 steps and 2 snapshots, got %d and %d", len(b.Steps), len(b.XMLCache))
	}
	for _, st := range b.Steps[:3] {
		if binding, _ := st.Binding(); binding.CacheID != "" || !fingerprint.Valid(binding.Hash.String()) {
			t.Errorf("expected step %s to reference its snapshot by hash only, got %+v", st.ID, binding)
		}
	}

	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	data := buf.Bytes()

	dst := newCache(t)
	decoded, err := Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	report, err := Import(ctx, decoded, dst, ImportOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if report.Created != 2 || report.Skipped != 0 || report.Invalid != 0 {
		t.Errorf("unexpected first import report: %+v", report)
	}
	for _, h := range hashes {
		e, err := dst.GetByHash(ctx, h)
		if err != nil || e == nil {
			t.Errorf("expected hash %s after import, got %v, %v", h.Short(), e, err)
		}
	}
	e, _ := dst.Get(ctx, "home")
	if e == nil || e.Meta == nil || e.Meta.Activity != ".Home" {
		t.Errorf("expected original id and metadata to survive, got %+v", e)
	}

	again, _ := Decode(bytes.NewReader(data))
	report, err = Import(ctx, again, dst, ImportOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if report.Created != 0 || report.Skipped != 2 {
		t.Errorf("expected idempotent second import, got %+v", report)
	}
	if len(report.Steps) != 4 {
		t.Fatalf("expected steps to be returned, got %d", len(report.Steps))
	}
	if binding, _ := report.Steps[0].Binding(); binding.CacheID != "home" || binding.Hash != hashes[0] {
		t.Errorf("expected imported step to be bound to home, got %+v", binding)
	}
}

func TestImport_KeepsLocalEntries(t *testing.T) {
	ctx := context.Background()
	src, list, hashes := exportFixture(t)
	b, err := Export(ctx, list, src, ExportOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	dst := newCache(t)
	local, err := dst.Put(ctx, cache.PutRequest{ID: "home", Content: dump("local"), CapturedAt: 1000})
	if err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}
	if _, err := dst.Put(ctx, cache.PutRequest{ID: "mine", Content: dump("detail")}); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	report, err := Import(ctx, b, dst, ImportOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if report.Created != 1 || report.Skipped != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	e, _ := dst.Get(ctx, "home")
	if e == nil || e.Content != dump("local") || e.CapturedAt != 1000 {
		t.Errorf("expected local home to be left untouched, got %+v", e)
	}
	if e, _ := dst.GetByHash(ctx, local.ContentHash); e == nil || e.ID != "home" {
		t.Errorf("expected local content to stay reachable by hash, got %+v", e)
	}

	wantID := "imported_" + hashes[0].Short()
	imported, _ := dst.Get(ctx, wantID)
	if imported == nil || imported.ContentHash != hashes[0] {
		t.Fatalf("expected bundled home under %s, got %+v", wantID, imported)
	}
	tests := []struct {
		step   int
		wantID string
	}{
		{0, wantID},
		{1, "mine"},
		{2, wantID},
	}
	for _, tt := range tests {
		binding, _ := report.Steps[tt.step].Binding()
		if binding.CacheID != tt.wantID || binding.Hash != hashes[tt.step%2] {
			t.Errorf("step %s: expected binding to %s, got %+v", report.Steps[tt.step].ID, tt.wantID, binding)
		}
	}
}

func TestExport_InlineOnlyStep(t *testing.T) {
	ctx := context.Background()
	s := steps.Step{ID: "portable"}
	s.Retain(dump("offline"))

	b, err := Export(ctx, []steps.Step{s}, newCache(t), ExportOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	hash := fingerprint.Of(dump("offline"))
	if got, ok := b.XMLCache[hash.String()]; !ok || got.Content != dump("offline") {
		t.Fatalf("expected inline content to be exported, got %+v", b.XMLCache)
	}
	binding, ok := b.Steps[0].Binding()
	if !ok || binding.Hash != hash {
		t.Errorf("expected exported step to reference its hash, got %+v", binding)
	}
	if _, ok := b.Steps[0].InlineContent(); ok {
		t.Error("expected inline copy to be dropped from the exported step")
	}
	if _, ok := s.InlineContent(); !ok {
		t.Error("expected the caller's step to be left untouched")
	}
}

func TestImport_Versions(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{"1.1", false},
		{"1.0", false},
		{"1.3.2", false},
		{"2.0", true},
		{"", true},
		{"v1", true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			b := &Bundle{Metadata: Metadata{ExportVersion: tt.version}}
			_, err := Import(context.Background(), b, newCache(t), ImportOptions{Logger: discardLogger()})
			if tt.wantErr && !errors.Is(err, ErrIncompatibleVersion) {
				t.Errorf("expected ErrIncompatibleVersion, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestImport_VerifiesContent(t *testing.T) {
	ctx := context.Background()
	good := dump("good")
	legacy := dump("legacy")

	step := steps.Step{ID: "old"}
	step.SetBinding(steps.Binding{CacheID: "ui_1", Hash: "-7f00aa"})

	b := &Bundle{
		Metadata: Metadata{ExportVersion: Version},
		Steps:    []steps.Step{step},
		XMLCache: map[string]CachedSnapshot{
			fingerprint.Of(good).String():          {Content: dump("tampered")},
			"-7f00aa":                              {Content: legacy, Metadata: &SnapshotMetadata{CacheID: "ui_1"}},
			fingerprint.Of(dump("empty")).String(): {},
		},
	}
	dst := newCache(t)
	report, err := Import(ctx, b, dst, ImportOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if report.Created != 1 || report.Invalid != 2 {
		t.Errorf("unexpected report: %+v", report)
	}
	if e, _ := dst.GetByHash(ctx, fingerprint.Of(dump("tampered"))); e != nil {
		t.Error("expected tampered snapshot to be dropped")
	}
	binding, _ := report.Steps[0].Binding()
	if binding.Hash != fingerprint.Of(legacy) || binding.CacheID != "ui_1" {
		t.Errorf("expected legacy reference to be rewritten, got %+v", binding)
	}
}
