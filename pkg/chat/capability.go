package chat

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	Kinds           []EventKind
	CommandNames    []string
	RequireMessage  bool
	RequireMutation bool
	RequireCommand  bool
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !containsKind(i.Kinds, event.Kind) {
		return false
	}
	if i.RequireMessage && event.Message == nil {
		return false
	}
	if i.RequireMutation && event.Mutation == nil {
		return false
	}
	if i.RequireCommand && event.Command == nil {
		return false
	}
	if len(i.CommandNames) > 0 {
		if event.Command == nil {
			return false
		}
		if !containsCommandName(i.CommandNames, event.Command.Name) {
			return false
		}
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 {
		if len(filter.Kinds) == 0 || !allKindsIncluded(filter.Kinds, i.Kinds) {
			return false
		}
	}
	if len(i.CommandNames) > 0 {
		if len(filter.CommandNames) == 0 || !allCommandNamesIncluded(filter.CommandNames, i.CommandNames) {
			return false
		}
	}
	if i.RequireMessage && !filter.RequireMessage {
		return false
	}
	if i.RequireMutation && !filter.RequireMutation {
		return false
	}
	if i.RequireCommand && !filter.RequireCommand {
		return false
	}

	return true
}

// containsKind reports whether target is present in kinds.
func containsKind(kinds []EventKind, target EventKind) bool {
	for _, candidate := range kinds {
		if candidate == target {
			return true
		}
	}

	return false
}

// allKindsIncluded reports whether subset is fully contained in allowed.
func allKindsIncluded(subset, allowed []EventKind) bool {
	for _, item := range subset {
		if !containsKind(allowed, item) {
			return false
		}
	}

	return true
}

func containsCommandName(names []string, target string) bool {
	normalizedTarget := normalizeCommandName(target)
	for _, candidate := range names {
		if normalizeCommandName(candidate) == normalizedTarget {
			return true
		}
	}

	return false
}

func allCommandNamesIncluded(subset, allowed []string) bool {
	for _, item := range subset {
		if !containsCommandName(allowed, item) {
			return false
		}
	}

	return true
}
