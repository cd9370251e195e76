package commands

import "strings"

// targetTaking is the set of commands whose first argument names another
// user. Everything else keeps its remainder as free text.
var targetTaking = map[string]bool{
	"so":   true,
	"raid": true,
	"ban":  true,
	"nuke": true,
}

// ParseCommand splits raw chat text into (command, rawTarget, remainder).
// The leading "!" is optional. The first token lower-cased is the command;
// for target-taking commands the next token, minus any leading "@", is the
// target and the rest is remainder. Other commands keep the whole remainder
// unsplit.
func ParseCommand(raw string) (command, rawTarget, remainder string) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "!"))
	if raw == "" {
		return "", "", ""
	}

	parts := strings.SplitN(raw, " ", 2)
	command = strings.ToLower(parts[0])
	if len(parts) == 1 {
		return command, "", ""
	}
	rest := strings.TrimSpace(parts[1])

	if !targetTaking[command] {
		return command, "", rest
	}

	targetParts := strings.SplitN(rest, " ", 2)
	rawTarget = strings.TrimPrefix(targetParts[0], "@")
	if len(targetParts) == 2 {
		remainder = strings.TrimSpace(targetParts[1])
	}
	return command, rawTarget, remainder
}
