package singleflight

import "errors"

// ErrPanicked is returned to every caller when the shared function panics.
var ErrPanicked = errors.New("singleflight: shared call panicked")
