package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Sentinel errors. Match with eris.Is; they survive eris wrapping.
var (
	// ErrAmbiguousMatch marks a record whose identity cannot be resolved
	// to a single patient. Such records go to manual review.
	ErrAmbiguousMatch = eris.New("ambiguous identity match")

	// ErrInsufficientHistory is returned when a diff needs two snapshots
	// and the series holds fewer.
	ErrInsufficientHistory = eris.New("insufficient snapshot history")

	// ErrDuplicateBatch marks a batch id that was already applied.
	ErrDuplicateBatch = eris.New("batch already applied")

	// ErrMissingColumn is a structural batch failure: a required column
	// is absent from the export entirely.
	ErrMissingColumn = eris.New("required column missing")

	// ErrSnapshotOrder is returned when snapshots are not strictly
	// increasing by date.
	ErrSnapshotOrder = eris.New("snapshot out of order")

	// ErrStaleMaster is returned when persisting a master that was loaded
	// from an older version than the one currently stored.
	ErrStaleMaster = eris.New("master store changed since load")
)

// ValidationError describes a single raw record that was skipped.
type ValidationError struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}
