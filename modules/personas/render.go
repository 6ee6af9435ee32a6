package personas

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"persona-relay/internal/persona"
	"persona-relay/pkg/chat"
)

// maxMessageLength is the Discord message content limit.
const maxMessageLength = 2000

const (
	listPagePrefix = "Personas:```"
	listPageSuffix = "```"
)

// renderPersonaPages renders one "id: name" line per persona, split into code
// block pages that each fit in one message.
func renderPersonaPages(personas []persona.Persona) []string {
	if len(personas) == 0 {
		return []string{"No personas available"}
	}

	var (
		pages   []string
		builder strings.Builder
	)
	flush := func() {
		if builder.Len() == 0 {
			return
		}
		builder.WriteString("\n")
		builder.WriteString(listPageSuffix)
		pages = append(pages, builder.String())
		builder.Reset()
	}

	budget := maxMessageLength - len(listPagePrefix) - len("\n"+listPageSuffix)
	for _, p := range personas {
		line := fmt.Sprintf("%d: %s", p.ID, p.Name)
		if builder.Len() > 0 && builder.Len()-len(listPagePrefix)+len("\n"+line) > budget {
			flush()
		}
		if builder.Len() == 0 {
			builder.WriteString(listPagePrefix)
		}
		builder.WriteString("\n")
		builder.WriteString(line)
	}
	flush()

	return pages
}

var permissionLabels = []struct {
	permission chat.Permission
	label      string
}{
	{chat.PermissionSendMessages, "Send Messages"},
	{chat.PermissionManageMessages, "Manage Messages"},
	{chat.PermissionManageProxies, "Manage Webhooks"},
	{chat.PermissionMentionEveryone, "Mention Everyone"},
}

// permissionNames lists the labels of every bit set in missing.
func permissionNames(missing chat.Permission) string {
	names := make([]string, 0, len(permissionLabels))
	for _, entry := range permissionLabels {
		if missing.Has(entry.permission) {
			names = append(names, entry.label)
		}
	}

	return strings.Join(names, " and ")
}

func capitalize(text string) string {
	first, size := utf8.DecodeRuneInString(text)
	if size == 0 {
		return text
	}

	return string(unicode.ToUpper(first)) + text[size:]
}
