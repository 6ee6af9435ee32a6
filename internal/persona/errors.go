package persona

import (
	"errors"
	"fmt"
)

var (
	// ErrPersonaNotFound indicates no persona matches an id or reference.
	ErrPersonaNotFound = errors.New("persona not found")
	// ErrNoPersonas indicates a reference lookup against an empty store. It
	// matches ErrPersonaNotFound.
	ErrNoPersonas = fmt.Errorf("%w: store has no personas", ErrPersonaNotFound)
	// ErrAmbiguousReference indicates a fuzzy reference matched below the
	// confidence threshold.
	ErrAmbiguousReference = errors.New("too uncertain about result")
	// ErrInvalidName indicates a persona name outside the allowed length.
	ErrInvalidName = errors.New("invalid persona name")
	// ErrInvalidAvatarURL indicates an avatar that is not an http(s) URL.
	ErrInvalidAvatarURL = errors.New("invalid avatar url")
	// ErrStoreClosed indicates use of a closed store.
	ErrStoreClosed = errors.New("persona store closed")
)
