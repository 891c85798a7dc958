package scriptgen

import (
	"strings"
	"unicode"
)

const completionMarker = "[SCRIPT_COMPLETE]"

// CleanScript normalizes a raw generated script for synthesis: strips
// the completion marker and unescapes literal backslash sequences that
// some generations emit.
func CleanScript(raw string) string {
	if raw == "" {
		return ""
	}

	cleaned := strings.ReplaceAll(raw, completionMarker, "")

	replacer := strings.NewReplacer(
		`\n`, "\n",
		`\"`, `"`,
		`\t`, "\t",
		`\r`, "\r",
		`\\`, `\`,
	)
	cleaned = replacer.Replace(cleaned)

	return strings.TrimSpace(cleaned)
}

// Slug derives a short filesystem/object-safe fragment from a user
// request, for use in object names.
func Slug(requestText string) string {
	const maxLen = 30

	trimmed := []rune(requestText)
	if len(trimmed) > maxLen {
		trimmed = trimmed[:maxLen]
	}

	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		}
	}

	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		return "podcast"
	}
	return slug
}
