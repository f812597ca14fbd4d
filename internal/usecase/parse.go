package usecase

import (
	"strings"

	"agentq/internal/domain"
)

// ParsedRequest is one recognized task request extracted from user text.
type ParsedRequest struct {
	Type       domain.TaskType
	Command    string
	RemoteHost string
	// Text is the type-specific instruction for non-shell tasks.
	Text string
}

// ParseRequest recognizes the structured task prefixes. Text without a
// prefix is not a task request and reports ok=false.
func ParseRequest(text string) (ParsedRequest, bool) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "shell@") {
		host, command, ok := splitRemote(strings.TrimPrefix(text, "shell@"))
		if !ok {
			return ParsedRequest{}, false
		}
		return ParsedRequest{Type: domain.TypeShell, Command: command, RemoteHost: host}, true
	}

	prefixes := []struct {
		prefix string
		kind   domain.TaskType
	}{
		{"shell:", domain.TypeShell},
		{"file:", domain.TypeFile},
		{"skill:", domain.TypeSkill},
		{"web:", domain.TypeWeb},
		{"browser:", domain.TypeBrowser},
	}
	for _, p := range prefixes {
		if !strings.HasPrefix(text, p.prefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(text, p.prefix))
		if rest == "" {
			return ParsedRequest{}, false
		}
		if p.kind == domain.TypeShell {
			return ParsedRequest{Type: p.kind, Command: rest}, true
		}
		return ParsedRequest{Type: p.kind, Text: rest}, true
	}
	return ParsedRequest{}, false
}

// splitRemote separates "host:command" where host may be a bracketed IPv6
// literal containing colons.
func splitRemote(s string) (string, string, bool) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", false
		}
		rest := s[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		command := strings.TrimSpace(rest[1:])
		if command == "" {
			return "", "", false
		}
		return s[:end+1], command, true
	}
	host, command, ok := strings.Cut(s, ":")
	command = strings.TrimSpace(command)
	if !ok || host == "" || command == "" {
		return "", "", false
	}
	return host, command, true
}
