package locator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/easeaico/snaplocator/internal/uitree"
)

const feedDump = `<hierarchy rotation="0">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.example.social" content-desc="" clickable="false" bounds="[0,0][1080,2400]">
    <node index="0" text="" resource-id="com.example.social:id/more" class="android.widget.ImageView" package="com.example.social" content-desc="More options" clickable="true" bounds="[960,60][1060,160]" />
    <node index="1" text="" resource-id="com.example.social:id/user_row" class="android.widget.LinearLayout" package="com.example.social" content-desc="" clickable="false" bounds="[0,200][1080,400]">
      <node index="0" text="alice" resource-id="com.example.social:id/name" class="android.widget.TextView" package="com.example.social" content-desc="" clickable="false" bounds="[40,240][500,300]" />
      <node index="1" text="12 posts" resource-id="com.example.social:id/stats" class="android.widget.TextView" package="com.example.social" content-desc="" clickable="false" bounds="[40,310][500,370]" />
      <node index="2" text="" resource-id="com.example.social:id/follow" class="android.widget.FrameLayout" package="com.example.social" content-desc="" clickable="true" bounds="[800,240][1040,340]">
        <node index="0" text="Following" resource-id="" class="android.widget.TextView" package="com.example.social" content-desc="" clickable="false" bounds="[820,260][1020,320]" />
      </node>
    </node>
  </node>
</hierarchy>`

func testBuilder(cfg Config) *Builder {
	return NewBuilder(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuild_FromBoundsOnly(t *testing.T) {
	b := testBuilder(Config{})
	loc, err := b.Build(SelectedElement{Bounds: StringBounds("[800,240][1040,340]")}, feedDump)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if loc.AbsoluteXPath != "/hierarchy/node[1]/node[2]/node[3]" {
		t.Errorf("unexpected absolute xpath: %s", loc.AbsoluteXPath)
	}
	if loc.PredicateXPath != "//node[@resource-id='com.example.social:id/follow']" {
		t.Errorf("unexpected predicate xpath: %s", loc.PredicateXPath)
	}
	if loc.Attributes.ResourceID != "com.example.social:id/follow" || loc.Attributes.ClassName != "android.widget.FrameLayout" {
		t.Errorf("expected attributes filled from snapshot, got %+v", loc.Attributes)
	}
	if loc.Bounds != "[800,240][1040,340]" {
		t.Errorf("unexpected bounds: %s", loc.Bounds)
	}

	want := StructuralContext{
		IndexPath:       []int{0, 1, 2},
		ParentSignature: "android.widget.LinearLayout#com.example.social:id/user_row",
		SiblingTexts:    []string{"alice", "12 posts"},
		ChildTexts:      []string{"Following"},
	}
	if !reflect.DeepEqual(loc.Context, want) {
		t.Errorf("unexpected context:\n got %+v\nwant %+v", loc.Context, want)
	}
	if loc.Confidence != 0.95 {
		t.Errorf("expected resource-id confidence, got %f", loc.Confidence)
	}
}

func TestBuild_PrefersSuppliedXPath(t *testing.T) {
	b := testBuilder(Config{})
	loc, err := b.Build(SelectedElement{
		XPath: "/hierarchy/node[1]/node[2]/node[1]",
		Text:  "alice",
	}, feedDump)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if loc.AbsoluteXPath != "/hierarchy/node[1]/node[2]/node[1]" {
		t.Errorf("expected supplied xpath, got %s", loc.AbsoluteXPath)
	}
	if loc.Bounds != "[40,240][500,300]" {
		t.Errorf("expected bounds from snapshot node, got %q", loc.Bounds)
	}
}

func TestBuild_PredicatePriority(t *testing.T) {
	tests := []struct {
		name string
		el   SelectedElement
		want string
	}{
		{"resource id wins", SelectedElement{ResourceID: "id/x", ContentDesc: "d", Text: "t"}, "//node[@resource-id='id/x']"},
		{"content desc next", SelectedElement{ContentDesc: "d", Text: "t"}, "//node[@content-desc='d']"},
		{"text next", SelectedElement{Text: "t", Bounds: StringBounds("[0,0][1,1]")}, "//node[@text='t']"},
		{"relative xpath ignored", SelectedElement{XPath: "node[1]", ContentDesc: "d"}, "//node[@content-desc='d']"},
	}
	b := testBuilder(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := b.Build(tt.el, "")
			if err != nil {
				t.Fatalf("build failed: %v", err)
			}
			if loc.AbsoluteXPath != "" {
				t.Errorf("expected no absolute xpath, got %s", loc.AbsoluteXPath)
			}
			if loc.PredicateXPath != tt.want {
				t.Errorf("expected %s, got %s", tt.want, loc.PredicateXPath)
			}
		})
	}
}

func TestBuild_RejectsEmpty(t *testing.T) {
	b := testBuilder(Config{})
	tests := []SelectedElement{
		{},
		{XPath: "relative/path"},
		{Bounds: StringBounds("garbage")},
	}
	for _, el := range tests {
		if _, err := b.Build(el, ""); !errors.Is(err, ErrCorruptLocator) {
			t.Errorf("expected ErrCorruptLocator for %+v, got %v", el, err)
		}
	}
}

func TestBuild_CorrectsMenuBounds(t *testing.T) {
	b := testBuilder(Config{})
	loc, err := b.Build(SelectedElement{
		ContentDesc: "More options",
		Bounds:      RectBounds(uitree.Rect{Left: 0, Top: 0, Right: 1080, Bottom: 1600}),
	}, feedDump)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if loc.Bounds != "[960,60][1060,160]" {
		t.Errorf("expected bounds from the snapshot's menu node, got %s", loc.Bounds)
	}

	fallback := uitree.Rect{Left: 980, Top: 50, Right: 1080, Bottom: 150}
	b = testBuilder(Config{MenuFallback: fallback})
	loc, err = b.Build(SelectedElement{
		Text:   "菜单",
		Bounds: RectBounds(uitree.Rect{Left: 0, Top: 0, Right: 1080, Bottom: 2400}),
	}, feedDump)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if loc.Bounds != fallback.String() {
		t.Errorf("expected configured fallback, got %s", loc.Bounds)
	}
}

func TestBounds_JSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want uitree.Rect
		ok   bool
	}{
		{"string", `{"bounds":"[1,2][3,4]"}`, uitree.Rect{Left: 1, Top: 2, Right: 3, Bottom: 4}, true},
		{"object", `{"bounds":{"left":1,"top":2,"right":3,"bottom":4}}`, uitree.Rect{Left: 1, Top: 2, Right: 3, Bottom: 4}, true},
		{"missing", `{}`, uitree.Rect{}, false},
		{"null", `{"bounds":null}`, uitree.Rect{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var el SelectedElement
			if err := json.Unmarshal([]byte(tt.in), &el); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			got, ok := el.Bounds.Rect()
			if ok != tt.ok || got != tt.want {
				t.Errorf("got %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}

	var el SelectedElement
	if err := json.Unmarshal([]byte(`{"bounds":42}`), &el); err == nil {
		t.Error("expected error for numeric bounds")
	}

	out, err := json.Marshal(SelectedElement{Bounds: RectBounds(uitree.Rect{Right: 5, Bottom: 6})})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(out) != `{"bounds":"[0,0][5,6]"}` {
		t.Errorf("expected canonical string form, got %s", out)
	}
}

func TestElementLocator_Validate(t *testing.T) {
	tests := []struct {
		name string
		loc  ElementLocator
		ok   bool
	}{
		{"xpath", ElementLocator{PredicateXPath: "//node"}, true},
		{"resource id", ElementLocator{Attributes: Attributes{ResourceID: "id"}}, true},
		{"content desc", ElementLocator{Attributes: Attributes{ContentDesc: "d"}}, true},
		{"text and bounds", ElementLocator{Attributes: Attributes{Text: "t"}, Bounds: "[0,0][1,1]"}, true},
		{"text alone", ElementLocator{Attributes: Attributes{Text: "t"}}, false},
		{"class alone", ElementLocator{Attributes: Attributes{ClassName: "c"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.loc.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
