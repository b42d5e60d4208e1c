package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/locator"
	"github.com/easeaico/snaplocator/internal/matcher"
	"github.com/easeaico/snaplocator/internal/snapshot"
	"github.com/easeaico/snaplocator/internal/steps"
	"github.com/easeaico/snaplocator/internal/uitree"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	logger := discardLogger()
	c := cache.New(nil, cache.Config{}, logger)
	e := NewEngine(c, locator.NewBuilder(locator.Config{}, logger), matcher.NewResolver(nil, matcher.Config{}, logger), logger)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

// page renders a settings list; the order of labels sets the row order.
func page(labels ...string) string {
	var b strings.Builder
	b.WriteString(`<hierarchy rotation="0"><node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.example.settings" content-desc="" clickable="false" bounds="[0,0][1080,2400]">`)
	for i, l := range labels {
		y := 100 + i*150
		fmt.Fprintf(&b, `<node index="%d" text="%s" resource-id="com.example.settings:id/title" class="android.widget.TextView" package="com.example.settings" content-desc="" clickable="true" bounds="[0,%d][1080,%d]" />`, i, l, y, y+150)
	}
	b.WriteString(`</node></hierarchy>`)
	return b.String()
}

func bindPrivacy(t *testing.T, e *Engine, retain bool) (steps.Step, *snapshot.Entry) {
	t.Helper()
	ctx := context.Background()
	entry, err := e.Capture(ctx, cache.PutRequest{
		Content: page("Wi-Fi", "Bluetooth", "Privacy"),
		Meta:    &snapshot.Meta{PackageName: "com.example.settings", Activity: ".Main"},
	})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	step, loc, err := e.Bind(ctx, BindRequest{
		Step:         steps.Step{ID: "open-privacy", Type: "tap"},
		Meta:         &snapshot.Meta{PackageName: "com.example.settings", Activity: ".Main"},
		Element:      locator.SelectedElement{Text: "Privacy", Bounds: locator.RectBounds(uitree.Rect{Left: 0, Top: 400, Right: 1080, Bottom: 550})},
		RetainInline: retain,
	})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if loc.Attributes.Text != "Privacy" || loc.Attributes.ResourceID != "com.example.settings:id/title" {
		t.Fatalf("unexpected locator: %+v", loc)
	}
	return step, entry
}

func TestEngine_BindAndReplay(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	step, entry := bindPrivacy(t, e, false)

	b, ok := step.Binding()
	if !ok || b.CacheID != entry.ID || b.Hash != entry.ContentHash {
		t.Fatalf("expected binding to the captured snapshot, got %+v", b)
	}
	if _, ok := step.InlineContent(); ok {
		t.Error("expected no inline copy by default")
	}

	live := page("Privacy", "Wi-Fi", "Display", "Bluetooth")
	res, err := e.Replay(ctx, ReplayRequest{Step: step, Live: live})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if res.Source != SourceLive || !res.Accepted {
		t.Fatalf("expected accepted live replay, got %+v", res)
	}
	if best := res.Best(); best.Text != "Privacy" || best.Bounds != "[0,100][1080,250]" {
		t.Errorf("expected the moved Privacy row, got %+v", best)
	}

	res, err = e.Replay(ctx, ReplayRequest{Step: step})
	if err != nil {
		t.Fatalf("replay from cache failed: %v", err)
	}
	if res.Source != SourceCache || res.Hash != entry.ContentHash || !res.Accepted {
		t.Errorf("expected accepted cache replay, got %+v", res)
	}
}

func TestEngine_ReplayInline(t *testing.T) {
	e := newEngine(t)
	step, entry := bindPrivacy(t, e, true)

	// A fresh engine has none of the snapshots the step was bound against.
	other := newEngine(t)
	res, err := other.Replay(context.Background(), ReplayRequest{Step: step})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if res.Source != SourceInline || res.Hash != entry.ContentHash || !res.Accepted {
		t.Errorf("expected accepted inline replay, got %+v", res)
	}
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	_, _, err := e.Bind(ctx, BindRequest{SnapshotID: "missing", Element: locator.SelectedElement{Text: "x"}})
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}

	entry, _ := e.Capture(ctx, cache.PutRequest{Content: page("A")})
	_, _, err = e.Bind(ctx, BindRequest{SnapshotID: entry.ID})
	if !errors.Is(err, locator.ErrCorruptLocator) {
		t.Errorf("expected ErrCorruptLocator, got %v", err)
	}

	orphan := steps.Step{ID: "orphan", Parameters: map[string]any{steps.KeyAbsoluteXPath: "/hierarchy/node[1]"}}
	if _, err := e.Replay(ctx, ReplayRequest{Step: orphan}); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
	if _, err := e.Replay(ctx, ReplayRequest{Step: steps.Step{ID: "empty"}, Live: page("A")}); !errors.Is(err, locator.ErrCorruptLocator) {
		t.Errorf("expected ErrCorruptLocator, got %v", err)
	}
}

func TestEngine_MigrateExportImport(t *testing.T) {
	ctx := context.Background()
	src := newEngine(t)
	legacy := steps.Step{ID: "legacy", Parameters: map[string]any{
		"xmlContent":     page("Privacy"),
		"selected_xpath": "/hierarchy/node[1]/node[1]",
	}}

	results, err := src.Migrate(ctx, []steps.Step{legacy}, steps.Options{})
	if err != nil || len(results) != 1 || !results[0].Migrated {
		t.Fatalf("expected migration, got %+v, %v", results, err)
	}
	b, err := src.Export(ctx, []steps.Step{results[0].Step})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	dst := newEngine(t)
	report, err := dst.Import(ctx, b)
	if err != nil || report.Created != 1 {
		t.Fatalf("expected one created snapshot, got %+v, %v", report, err)
	}
	res, err := dst.Replay(ctx, ReplayRequest{Step: report.Steps[0]})
	if err != nil {
		t.Fatalf("replay after import failed: %v", err)
	}
	if res.Source != SourceCache || !res.Accepted {
		t.Errorf("expected accepted replay from imported cache, got %+v", res)
	}
}
