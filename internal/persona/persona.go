package persona

import (
	"fmt"
	"maps"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	// MinNameLength is the shortest accepted persona name, in runes.
	MinNameLength = 2
	// MaxNameLength is the longest accepted persona name, in runes.
	MaxNameLength = 32
)

// Persona is a named identity users can post under.
type Persona struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Draft is the user-supplied part of a persona.
type Draft struct {
	Name      string
	AvatarURL string
}

// Normalize trims surrounding whitespace from every field.
func (d Draft) Normalize() Draft {
	return Draft{
		Name:      strings.TrimSpace(d.Name),
		AvatarURL: strings.TrimSpace(d.AvatarURL),
	}
}

// Validate checks name length and avatar URL scheme.
func (d Draft) Validate() error {
	if length := utf8.RuneCountInString(d.Name); length < MinNameLength || length > MaxNameLength {
		return fmt.Errorf(
			"%w: name length must be between %d and %d, got %d",
			ErrInvalidName,
			MinNameLength,
			MaxNameLength,
			length,
		)
	}
	if !strings.HasPrefix(d.AvatarURL, "http://") && !strings.HasPrefix(d.AvatarURL, "https://") {
		return fmt.Errorf("%w: avatar url must start with http:// or https://", ErrInvalidAvatarURL)
	}
	parsed, err := url.Parse(d.AvatarURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: %q is not a valid url", ErrInvalidAvatarURL, d.AvatarURL)
	}

	return nil
}

// Snapshot is the complete persisted state of a store.
type Snapshot struct {
	// NextID is the id the next created persona receives. It never decreases.
	NextID int64
	// Personas maps persona id to persona.
	Personas map[int64]Persona
	// Assignments maps user id to persona id.
	Assignments map[int64]int64
}

// EmptySnapshot returns a snapshot with initialized maps.
func EmptySnapshot() Snapshot {
	return Snapshot{
		Personas:    make(map[int64]Persona),
		Assignments: make(map[int64]int64),
	}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	cloned := Snapshot{
		NextID:      s.NextID,
		Personas:    maps.Clone(s.Personas),
		Assignments: maps.Clone(s.Assignments),
	}
	if cloned.Personas == nil {
		cloned.Personas = make(map[int64]Persona)
	}
	if cloned.Assignments == nil {
		cloned.Assignments = make(map[int64]int64)
	}

	return cloned
}

// normalize repairs a loaded snapshot: dangling assignments are dropped and
// NextID is raised above every stored id.
func (s *Snapshot) normalize() (dropped int) {
	for id := range s.Personas {
		if id >= s.NextID {
			s.NextID = id + 1
		}
	}
	for userID, personaID := range s.Assignments {
		if _, exists := s.Personas[personaID]; !exists {
			delete(s.Assignments, userID)
			dropped++
		}
	}

	return dropped
}
