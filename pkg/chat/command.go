package chat

import (
	"fmt"
	"strings"
)

// CommandPrefix identifies the prefix introducing one command invocation.
type CommandPrefix string

const (
	// CommandPrefixOrdinary identifies ordinary user-facing command syntax.
	CommandPrefixOrdinary CommandPrefix = "/"
	// CommandPrefixSystem identifies privileged system command syntax.
	CommandPrefixSystem CommandPrefix = "~"
)

// Validate checks whether one command prefix is supported.
func (p CommandPrefix) Validate() error {
	switch p {
	case CommandPrefixOrdinary, CommandPrefixSystem:
		return nil
	default:
		return fmt.Errorf("validate command prefix: unsupported prefix %q", p)
	}
}

// CommandCandidate is a parsed command-looking message before it is bound to a spec.
type CommandCandidate struct {
	// Prefix is the leading command prefix.
	Prefix CommandPrefix
	// Name is the normalized command name without prefix and mention suffix.
	Name string
	// Mention is the optional suffix from `<name>@<mention>`.
	Mention string
	// RawInput is the original message text.
	RawInput string
	// Tokens stores the whitespace-separated tokens after the command header.
	Tokens []string
}

// CommandOption is one parsed option in a bound invocation.
type CommandOption struct {
	// Name is the normalized long option name.
	Name string
	// Alias is the normalized short option alias when declared.
	Alias string
	// Value is the consumed option value when HasValue is true.
	Value string
	// HasValue reports whether this option consumed one value token.
	HasValue bool
}

// CommandInvocation carries one validated command event payload.
type CommandInvocation struct {
	// Name is the normalized command name.
	Name string
	// Mention is the optional suffix from `<name>@<mention>`.
	Mention string
	// Args stores the positional (non-option) tokens in order.
	Args []string
	// Value stores Args joined by single spaces.
	Value string
	// Options stores parsed options defined by the bound command spec.
	Options []CommandOption
	// SourceEventID identifies the inbound event that produced this command.
	SourceEventID string
	// SourceEventKind identifies the inbound event kind.
	SourceEventKind EventKind
	// RawInput stores the original inbound message text.
	RawInput string
}

// Validate checks command invocation contract fields.
func (c *CommandInvocation) Validate() error {
	if c == nil {
		return fmt.Errorf("validate command invocation: nil invocation")
	}
	if normalizeCommandName(c.Name) == "" {
		return fmt.Errorf("validate command invocation: missing name")
	}
	if c.SourceEventID == "" {
		return fmt.Errorf("validate command invocation: missing source_event_id")
	}
	if c.SourceEventKind == "" {
		return fmt.Errorf("validate command invocation: missing source_event_kind")
	}

	return nil
}

// Option returns the parsed option with the given long name or alias.
func (c *CommandInvocation) Option(key string) (CommandOption, bool) {
	if c == nil {
		return CommandOption{}, false
	}
	key = normalizeCommandName(key)
	for _, option := range c.Options {
		if option.Name == key || (option.Alias != "" && option.Alias == key) {
			return option, true
		}
	}

	return CommandOption{}, false
}

// CommandOptionSpec declares one available option in one command registration.
type CommandOptionSpec struct {
	// Name is the long option key used as `--<name>`.
	Name string
	// Alias is the short option key used as `-<alias>`.
	Alias string
	// HasValue reports whether the option consumes one following value token.
	HasValue bool
	// Required reports whether this option must appear in one invocation.
	Required bool
	// Description describes option behavior for help text.
	Description string
}

// Validate checks command option specification coherence.
func (s CommandOptionSpec) Validate() error {
	name := normalizeCommandName(s.Name)
	alias := normalizeCommandName(s.Alias)
	if name == "" && alias == "" {
		return fmt.Errorf("validate command option spec: missing name and alias")
	}
	if alias != "" && len(alias) != 1 {
		return fmt.Errorf("validate command option spec: alias %q must be one character", s.Alias)
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("validate command option spec: name %q contains whitespace", s.Name)
	}

	return nil
}

// CommandSpec declares one module command registration.
type CommandSpec struct {
	// Prefix identifies which command prefix triggers this command.
	Prefix CommandPrefix
	// Name is the command name without prefix.
	Name string
	// Usage is an optional positional-argument synopsis shown in help and errors.
	Usage string
	// Description describes command behavior for help text.
	Description string
	// Options declares supported command options.
	Options []CommandOptionSpec
}

// Validate checks command specification coherence.
func (s CommandSpec) Validate() error {
	if err := s.Prefix.Validate(); err != nil {
		return fmt.Errorf("validate command spec %q: %w", s.Name, err)
	}
	if normalizeCommandName(s.Name) == "" {
		return fmt.Errorf("validate command spec: missing name")
	}

	seen := make(map[string]struct{}, 2*len(s.Options))
	for index, option := range s.Options {
		if err := option.Validate(); err != nil {
			return fmt.Errorf("validate command spec %s option[%d]: %w", s.Name, index, err)
		}
		for _, key := range []string{"--" + normalizeCommandName(option.Name), "-" + normalizeCommandName(option.Alias)} {
			if key == "--" || key == "-" {
				continue
			}
			if _, exists := seen[key]; exists {
				return fmt.Errorf("validate command spec %s: duplicate option %s", s.Name, key)
			}
			seen[key] = struct{}{}
		}
	}

	return nil
}

// ParseCommandCandidate parses one input text into a command candidate.
//
// matched is false when text does not look like a command. When matched is true,
// candidate fields are populated as much as possible and err reports syntax
// issues such as a missing command name.
func ParseCommandCandidate(text string) (candidate CommandCandidate, matched bool, err error) {
	candidate.RawInput = text

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return candidate, false, nil
	}
	header := fields[0]

	switch {
	case strings.HasPrefix(header, string(CommandPrefixOrdinary)):
		candidate.Prefix = CommandPrefixOrdinary
	case strings.HasPrefix(header, string(CommandPrefixSystem)):
		candidate.Prefix = CommandPrefixSystem
	default:
		return candidate, false, nil
	}

	name, mention, _ := strings.Cut(header[1:], "@")
	candidate.Name = normalizeCommandName(name)
	candidate.Mention = strings.TrimSpace(mention)
	if len(fields) > 1 {
		candidate.Tokens = append([]string(nil), fields[1:]...)
	}
	if candidate.Name == "" {
		return candidate, true, fmt.Errorf("parse command candidate: missing command name")
	}

	return candidate, true, checkCandidateTokens(candidate.Tokens)
}

// CommandAddress describes the ways a message may address the bot besides
// the `/` and `~` prefixes.
type CommandAddress struct {
	// SelfID is the bot account id. A leading `<@SelfID>` or `<@!SelfID>`
	// mention then acts as the ordinary prefix.
	SelfID string
	// Direct accepts prefix-less ordinary commands.
	Direct bool
}

// CommandAddressFromEvent derives addressing from the event's receiving
// account and conversation; private conversations accept bare commands.
func CommandAddressFromEvent(event *Event) CommandAddress {
	if event == nil {
		return CommandAddress{}
	}

	return CommandAddress{
		SelfID: event.SelfID,
		Direct: event.Conversation.Type == ConversationTypePrivate,
	}
}

// ParseAddressedCommandCandidate parses text like ParseCommandCandidate and
// additionally accepts commands addressed by a leading mention of the bot or,
// when address.Direct is set, commands without any prefix. Both forms produce
// ordinary-prefix candidates.
func ParseAddressedCommandCandidate(
	text string,
	address CommandAddress,
) (candidate CommandCandidate, matched bool, err error) {
	rest, mentioned := stripSelfMention(text, address.SelfID)
	if !mentioned {
		candidate, matched, err = ParseCommandCandidate(text)
		if matched || !address.Direct {
			return candidate, matched, err
		}
	}

	if mentioned {
		addressed, addressedMatched, addressedErr := ParseCommandCandidate(rest)
		if addressedMatched {
			addressed.RawInput = text
			return addressed, true, addressedErr
		}
	}

	fields := strings.Fields(rest)
	candidate = CommandCandidate{RawInput: text, Prefix: CommandPrefixOrdinary}
	if len(fields) == 0 {
		return candidate, false, nil
	}
	candidate.Name = normalizeCommandName(fields[0])
	if len(fields) > 1 {
		candidate.Tokens = append([]string(nil), fields[1:]...)
	}

	return candidate, true, checkCandidateTokens(candidate.Tokens)
}

// stripSelfMention removes a leading mention of selfID and the whitespace
// after it. rest is text unchanged when there is no such mention.
func stripSelfMention(text string, selfID string) (rest string, mentioned bool) {
	rest = text
	if selfID == "" {
		return rest, false
	}

	trimmed := strings.TrimLeft(text, " \t\n")
	for _, mention := range []string{"<@" + selfID + ">", "<@!" + selfID + ">"} {
		if after, found := strings.CutPrefix(trimmed, mention); found {
			return strings.TrimLeft(after, " \t\n"), true
		}
	}

	return rest, false
}

func checkCandidateTokens(tokens []string) error {
	for _, token := range tokens {
		if strings.HasPrefix(token, "--") && strings.Contains(token, "=") {
			return fmt.Errorf("parse command candidate: unsupported option format %q", token)
		}
	}

	return nil
}

// BindCommand validates one parsed candidate against one command spec.
//
// sourceEvent must identify the inbound event that produced this command.
func BindCommand(candidate CommandCandidate, spec CommandSpec, sourceEvent *Event) (CommandInvocation, error) {
	if sourceEvent == nil {
		return CommandInvocation{}, fmt.Errorf("bind command: nil source event")
	}
	if err := spec.Validate(); err != nil {
		return CommandInvocation{}, fmt.Errorf("bind command %s: %w", spec.Name, err)
	}
	if candidate.Prefix != spec.Prefix {
		return CommandInvocation{}, fmt.Errorf(
			"bind command %s: prefix mismatch, got %q want %q",
			spec.Name,
			candidate.Prefix,
			spec.Prefix,
		)
	}
	specName := normalizeCommandName(spec.Name)
	if normalizeCommandName(candidate.Name) != specName {
		return CommandInvocation{}, fmt.Errorf("bind command %s: name mismatch, got %q", spec.Name, candidate.Name)
	}

	lookup := make(map[string]CommandOptionSpec, 2*len(spec.Options))
	for _, option := range spec.Options {
		if name := normalizeCommandName(option.Name); name != "" {
			lookup["--"+name] = option
		}
		if alias := normalizeCommandName(option.Alias); alias != "" {
			lookup["-"+alias] = option
		}
	}

	invocation := CommandInvocation{
		Name:            specName,
		Mention:         candidate.Mention,
		SourceEventID:   sourceEvent.ID,
		SourceEventKind: sourceEvent.Kind,
		RawInput:        candidate.RawInput,
	}
	seen := make(map[string]struct{}, len(spec.Options))

	for index := 0; index < len(candidate.Tokens); index++ {
		token := candidate.Tokens[index]
		key, isOption := optionTokenKey(token)
		if !isOption {
			invocation.Args = append(invocation.Args, token)
			continue
		}

		optionSpec, exists := lookup[key]
		if !exists {
			return CommandInvocation{}, fmt.Errorf("bind command %s: unknown option %s", spec.Name, key)
		}
		option := CommandOption{
			Name:  normalizeCommandName(optionSpec.Name),
			Alias: normalizeCommandName(optionSpec.Alias),
		}
		if optionSpec.HasValue {
			if index+1 >= len(candidate.Tokens) {
				return CommandInvocation{}, fmt.Errorf("bind command %s: option %s requires a value", spec.Name, key)
			}
			if _, next := optionTokenKey(candidate.Tokens[index+1]); next {
				return CommandInvocation{}, fmt.Errorf("bind command %s: option %s requires a value", spec.Name, key)
			}
			index++
			option.HasValue = true
			option.Value = candidate.Tokens[index]
		}
		invocation.Options = append(invocation.Options, option)
		seen[optionSpecKey(optionSpec)] = struct{}{}
	}

	for _, option := range spec.Options {
		if !option.Required {
			continue
		}
		if _, exists := seen[optionSpecKey(option)]; !exists {
			return CommandInvocation{}, fmt.Errorf(
				"bind command %s: missing required option %s",
				spec.Name,
				optionSpecKey(option),
			)
		}
	}

	invocation.Value = strings.Join(invocation.Args, " ")
	if err := invocation.Validate(); err != nil {
		return CommandInvocation{}, fmt.Errorf("bind command %s: %w", spec.Name, err)
	}

	return invocation, nil
}

// CommandUsage renders a one-line synopsis for spec.
func CommandUsage(spec CommandSpec) string {
	parts := []string{string(spec.Prefix) + normalizeCommandName(spec.Name)}
	if usage := strings.TrimSpace(spec.Usage); usage != "" {
		parts = append(parts, usage)
	}
	for _, option := range spec.Options {
		descriptor := optionSpecKey(option)
		if option.HasValue {
			descriptor += " <value>"
		}
		if !option.Required {
			descriptor = "[" + descriptor + "]"
		}
		parts = append(parts, descriptor)
	}

	return strings.Join(parts, " ")
}

// optionTokenKey returns the lookup key (`--name` or `-a`) for option-looking tokens.
func optionTokenKey(token string) (string, bool) {
	switch {
	case strings.HasPrefix(token, "--") && len(token) > 2:
		return "--" + normalizeCommandName(token[2:]), true
	case len(token) == 2 && token[0] == '-' && token[1] != '-':
		return "-" + normalizeCommandName(token[1:]), true
	default:
		return "", false
	}
}

func optionSpecKey(option CommandOptionSpec) string {
	if name := normalizeCommandName(option.Name); name != "" {
		return "--" + name
	}

	return "-" + normalizeCommandName(option.Alias)
}

func normalizeCommandName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
