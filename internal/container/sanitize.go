// Package container spawns per-group agent containers, feeds them turn
// requests on stdin, and parses their line-delimited stdout into
// structured stream events. It also owns the runtime probe, orphan
// cleanup, and the per-run snapshot files agents read.
package container

import (
	"log/slog"
	"regexp"
	"strings"
)

// internalBlockPattern matches <internal>…</internal> blocks agents use
// for hidden reasoning. Case-insensitive, spans newlines.
var internalBlockPattern = regexp.MustCompile(`(?is)<internal>.*?</internal>`)

// StripInternal removes <internal> blocks from agent message text
// before it is forwarded to clients. An unterminated opening tag hides
// everything from the tag onward rather than leaking a partial block.
func StripInternal(text string) string {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "<internal>") {
		return text
	}

	cleaned := internalBlockPattern.ReplaceAllString(text, "")
	if idx := strings.Index(strings.ToLower(cleaned), "<internal>"); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	cleaned = strings.TrimSpace(cleaned)

	slog.Debug("stripped internal block from agent message",
		"original_len", len(text),
		"cleaned_len", len(cleaned),
	)
	return cleaned
}
