package countermeasure

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	AssetUnavailable     ErrorKind = "asset_unavailable"
	SynthesisUnsupported ErrorKind = "synthesis_unsupported"
)

// CountermeasureError is a non-fatal failure of one countermeasure stage.
// The remaining stages still run.
type CountermeasureError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *CountermeasureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("countermeasure %s (%s): %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("countermeasure %s (%s)", e.Kind, e.Stage)
}

func (e *CountermeasureError) Unwrap() error { return e.Err }

func (e *CountermeasureError) Is(target error) bool {
	var t *CountermeasureError
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Stage == "" && t.Err == nil
	}
	return false
}

var (
	ErrAssetUnavailable     = &CountermeasureError{Kind: AssetUnavailable}
	ErrSynthesisUnsupported = &CountermeasureError{Kind: SynthesisUnsupported}
)
