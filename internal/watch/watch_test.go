package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"tilescan/internal/decode"
	"tilescan/internal/series"
)

type flatDecoder struct{}

func (flatDecoder) Decode(path string) (*decode.Image, error) {
	return &decode.Image{DType: decode.Uint16, Planes: []*mat.Dense{mat.NewDense(4, 4, nil)}}, nil
}

func (d flatDecoder) DecodePlane(path string, plane int) (*decode.Image, error) {
	im, _ := d.Decode(path)
	return im.Select(plane)
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
}

func nextEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for rebuild")
	}
	return Event{}
}

func TestWatcherRebuildsOnNewTile(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "img_1.tif")
	const pat = "img_{series}.tif"
	build := func() (*series.Index, error) {
		return series.New(dir, pat, 0.1, 2, 1, flatDecoder{})
	}

	w, err := New(dir, pat, build, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	touch(t, dir, "notes.txt", "img_2.tif")

	ev := nextEvent(t, w)
	if ev.Err != nil {
		t.Fatalf("expected successful rebuild, got %v", ev.Err)
	}
	if ev.Summary == nil || ev.Summary.NumImages != 2 || ev.Index == nil {
		t.Fatalf("expected 2 images after rebuild, got %+v", ev.Summary)
	}
	if filepath.Base(ev.Path) != "img_2.tif" {
		t.Fatalf("expected trigger img_2.tif, got %s", ev.Path)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Fatalf("expected events closed after Run")
	}
}

func TestWatcherReportsFailedRebuild(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "img_1.tif")
	buildErr := errors.New("half written")
	w, err := New(dir, "img_{series}.tif", func() (*series.Index, error) { return nil, buildErr }, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	touch(t, dir, "img_2.tif")
	ev := nextEvent(t, w)
	if !errors.Is(ev.Err, buildErr) || ev.Error != "half written" || ev.Index != nil {
		t.Fatalf("expected failed rebuild event, got %+v", ev)
	}
}

func TestWatcherRelevant(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "img_s{series}_w{channel}.tif", nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.watcher.Close()

	cases := []struct {
		path string
		want bool
	}{
		{filepath.Join(dir, "img_s1_w1.tif"), true},
		{filepath.Join(dir, "img_s1_w1.tif.tmp"), false},
		{filepath.Join(dir, "readme.md"), false},
		{filepath.Join(dir, "sub", "img_s1_w1.tif"), false},
		{filepath.Join(t.TempDir(), "img_s1_w1.tif"), false},
	}
	for _, tc := range cases {
		if got := w.relevant(tc.path); got != tc.want {
			t.Fatalf("relevant(%s): expected %v, got %v", tc.path, tc.want, got)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(t.TempDir(), "{bad name}.tif", nil); err == nil {
		t.Fatalf("expected pattern error")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing"), "img_{series}.tif", nil); err == nil {
		t.Fatalf("expected missing directory error")
	}
}
