package server

import (
	"sync"
	"time"

	"tilescan/internal/decode"
	"tilescan/internal/reader"
	"tilescan/internal/series"
)

// Holder owns the index currently being served. The watcher replaces it after each
// successful rebuild; readers in flight keep the index they started with.
type Holder struct {
	dec decode.Decoder

	mu      sync.RWMutex
	index   *series.Index
	reader  *reader.Reader
	updated time.Time
}

// NewHolder returns a holder serving idx, which may be nil until the first build
// succeeds.
func NewHolder(idx *series.Index, dec decode.Decoder) *Holder {
	h := &Holder{dec: dec}
	h.Swap(idx)
	return h
}

// Swap replaces the served index.
func (h *Holder) Swap(idx *series.Index) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.index = idx
	h.reader = nil
	if idx != nil {
		h.reader = reader.New(idx, h.dec)
	}
	h.updated = time.Now()
}

// Reader returns the reader over the current index, or nil when none has been built.
func (h *Holder) Reader() *reader.Reader {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reader
}

// Updated reports when the index was last swapped.
func (h *Holder) Updated() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.updated
}
