package core

import (
	"errors"
)

var (
	ErrNotFound            = errors.New("descedge: not found")
	ErrInvalidKey          = errors.New("descedge: invalid key")
	ErrInvalidInput        = errors.New("descedge: invalid input")
	ErrUpstreamUnavailable = errors.New("descedge: upstream unavailable")
	ErrEmptyExitSet        = errors.New("descedge: empty exit set")
	ErrCorrupt             = errors.New("descedge: corrupt data")
	ErrDigestMismatch      = errors.New("descedge: digest mismatch")
	ErrTooLarge            = errors.New("descedge: too large")
	ErrClosed              = errors.New("descedge: store closed")
)
