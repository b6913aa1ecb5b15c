package pattern

import (
	"reflect"
	"strings"
	"testing"
)

func TestCompileMatchesSeriesAndChannel(t *testing.T) {
	r, err := Compile("img_s{series}_w{channel}.tif")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	got, ok := r.Match("img_s3_w1.tif")
	if !ok {
		t.Fatalf("expected match")
	}
	want := map[string]string{"series": "3", "channel": "1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFixedWidthCapture(t *testing.T) {
	r, err := Compile("img_{series:3}.tif")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	got, ok := r.Match("img_007.tif")
	if !ok {
		t.Fatalf("expected img_007.tif to match")
	}
	if got["series"] != "007" {
		t.Fatalf("expected series 007, got %q", got["series"])
	}
	for _, name := range []string{"img_7.tif", "img_12345.tif", "img_0071.tif"} {
		if _, ok := r.Match(name); ok {
			t.Fatalf("expected %s not to match", name)
		}
	}
}

func TestDotIsLiteral(t *testing.T) {
	r, err := Compile("tile{series}.tif")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if _, ok := r.Match("tile1xtif"); ok {
		t.Fatalf("expected '.' to match only a literal dot")
	}
	if _, ok := r.Match("tile1.tif"); !ok {
		t.Fatalf("expected tile1.tif to match")
	}
}

func TestLazyCaptureTakesShortestRun(t *testing.T) {
	r, err := Compile("{series}_{channel}.tif")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	got, ok := r.Match("1_dapi_raw.tif")
	if !ok {
		t.Fatalf("expected match")
	}
	if got["series"] != "1" || got["channel"] != "dapi_raw" {
		t.Fatalf("unexpected captures %v", got)
	}
}

func TestWholeNameMustMatch(t *testing.T) {
	r, err := Compile("img_{series}.tif")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	for _, name := range []string{"img_1.tif.xmp", "old_img_1.tif", "img_.tif"} {
		if _, ok := r.Match(name); ok {
			t.Fatalf("expected %s not to match", name)
		}
	}
}

func TestOtherMetacharactersAreLiteral(t *testing.T) {
	r, err := Compile("scan (a)+{series}[x].png")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	got, ok := r.Match("scan (a)+12[x].png")
	if !ok || got["series"] != "12" {
		t.Fatalf("expected literal metacharacters to match, got %v %v", got, ok)
	}
}

func TestFieldsInTemplateOrder(t *testing.T) {
	r, err := Compile("{channel}-{series:4}-{z}.tif")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	want := []string{"channel", "series", "z"}
	if !reflect.DeepEqual(r.Fields(), want) {
		t.Fatalf("expected %v, got %v", want, r.Fields())
	}
	if !r.HasField("series") || r.HasField("missing") {
		t.Fatalf("HasField reported wrong membership")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
	}{
		{"img_s{series}_w{channel}.tif", "img_s12_w3.tif"},
		{"img_{series:3}.tif", "img_042.tif"},
		{"{series:2}{channel}.ome.tiff", "07DAPI.ome.tiff"},
		{"plate_{series}.png", "plate_100.png"},
	}
	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			r, err := Compile(tc.pattern)
			if err != nil {
				t.Fatalf("compile failed: %v", err)
			}
			comp, ok := r.Match(tc.name)
			if !ok {
				t.Fatalf("expected %s to match", tc.name)
			}
			rendered, err := r.Render(comp)
			if err != nil {
				t.Fatalf("render failed: %v", err)
			}
			if rendered != tc.name {
				t.Fatalf("expected %s, got %s", tc.name, rendered)
			}
			again, ok := r.Match(rendered)
			if !ok || !reflect.DeepEqual(again, comp) {
				t.Fatalf("expected re-match %v, got %v", comp, again)
			}
		})
	}
}

func TestRenderMissingField(t *testing.T) {
	r, err := Compile("img_{series}.tif")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if _, err := r.Render(map[string]string{}); err == nil {
		t.Fatalf("expected error for missing field")
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	a, err := Compile("a{series:2}.b{channel}")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	b, err := Compile("a{series:2}.b{channel}")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if a.String() != b.String() {
		t.Fatalf("expected identical rules, got %s and %s", a.String(), b.String())
	}
}

func TestCompileRejectsBadGroupName(t *testing.T) {
	if _, err := Compile("img_{se ries}.tif"); err == nil {
		t.Fatalf("expected error for invalid field name")
	}
}

func TestWideFixedWidthField(t *testing.T) {
	r, err := Compile("img_{series:1500}.tif")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	num := strings.Repeat("0", 1499) + "7"
	got, ok := r.Match("img_" + num + ".tif")
	if !ok {
		t.Fatalf("expected 1500-character series to match")
	}
	if got["series"] != num {
		t.Fatalf("expected series of length 1500, got length %d", len(got["series"]))
	}
	if _, ok := r.Match("img_" + num[1:] + ".tif"); ok {
		t.Fatalf("expected 1499-character series not to match")
	}
	if _, ok := r.Match("img_" + num + "0.tif"); ok {
		t.Fatalf("expected 1501-character series not to match")
	}
}
