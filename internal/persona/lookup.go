package persona

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// MatchThreshold is the lowest fuzzy score a reference is accepted with.
const MatchThreshold = 0.5

// Lookup resolves ref to a persona. An integer naming an existing id wins;
// anything else is fuzzy-matched against persona names.
func (s *Store) Lookup(ref string) (Persona, error) {
	ref = strings.TrimSpace(ref)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if found, exists := s.state.Personas[id]; exists {
			return found, nil
		}
	}
	if len(s.state.Personas) == 0 {
		return Persona{}, fmt.Errorf("lookup %q: %w", ref, ErrNoPersonas)
	}

	best, score := bestMatch(ref, sortedPersonas(s.state.Personas))
	if score < MatchThreshold {
		return Persona{}, fmt.Errorf("%w: %.2f", ErrAmbiguousReference, score)
	}

	return best, nil
}

// bestMatch returns the highest scoring candidate; ties keep the lowest id.
func bestMatch(ref string, candidates []Persona) (Persona, float64) {
	levenshtein := metrics.NewLevenshtein()
	levenshtein.CaseSensitive = false
	smithWaterman := metrics.NewSmithWatermanGotoh()
	smithWaterman.CaseSensitive = false

	var (
		best      Persona
		bestScore = -1.0
	)
	for _, candidate := range candidates {
		score := max(
			strutil.Similarity(ref, candidate.Name, levenshtein),
			strutil.Similarity(ref, candidate.Name, smithWaterman),
		)
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}

	return best, bestScore
}
