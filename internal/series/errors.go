package series

import "errors"

var (
	// ErrInvalidPattern means the pattern cannot identify tiles (no "series" field).
	ErrInvalidPattern = errors.New("invalid filename pattern")
	// ErrInvalidGrid means the configured tile grid cannot lay out tiles.
	ErrInvalidGrid = errors.New("invalid tile grid")
	// ErrInvalidSeries means a matched filename's series text is not an integer.
	ErrInvalidSeries = errors.New("invalid series number")
	// ErrDuplicateTile means two files resolve to the same (series, channel).
	ErrDuplicateTile = errors.New("duplicate tile")
	// ErrMissingTiles means the matched files do not form a complete series x channel grid.
	ErrMissingTiles = errors.New("missing tiles")
	// ErrOutOfRange is returned by queries for series or channels outside the index.
	ErrOutOfRange = errors.New("index out of range")
)
