package policy

import (
	"errors"
	"strings"
)

// Decision is the classifier verdict for one shell command.
type Decision string

const (
	AllowAutorun    Decision = "ALLOW_AUTORUN"
	RequireApproval Decision = "REQUIRE_APPROVAL"
	Blocked         Decision = "BLOCKED"
)

// ShellResult pairs a decision with a machine-readable reason code.
type ShellResult struct {
	Decision Decision
	Reason   string
}

// Shell policy modes. Unknown mode strings fail closed to strict.
const (
	ModeBalanced   = "balanced"
	ModeStrict     = "strict"
	ModePermissive = "permissive"
)

var errBadShellSyntax = errors.New("unparsable shell syntax")

var readOnlyCommands = map[string]bool{
	"ls": true, "pwd": true, "cat": true, "head": true, "tail": true,
	"grep": true, "rg": true, "stat": true, "df": true, "du": true,
	"ps": true, "uname": true, "id": true, "whoami": true, "date": true,
	"printenv": true,
}

var readOnlyGitSubcommands = map[string]bool{
	"status": true, "log": true, "show": true, "diff": true,
}

var mutatingPrefixes = map[string]bool{
	"rm": true, "mv": true, "cp": true, "chmod": true, "chown": true,
	"chgrp": true, "touch": true, "mkdir": true, "rmdir": true,
	"truncate": true, "ln": true, "tee": true, "dd": true,
}

var serviceManagers = map[string]bool{
	"systemctl": true, "service": true, "supervisorctl": true,
}

var packageManagers = map[string]bool{
	"apt": true, "apt-get": true, "yum": true, "dnf": true, "apk": true,
	"brew": true, "pip": true, "pip3": true, "poetry": true, "npm": true,
	"pnpm": true, "yarn": true, "gem": true, "cargo": true,
}

var containerMutatingVerbs = map[string]bool{
	"run": true, "exec": true, "build": true, "compose": true, "rm": true,
	"stop": true, "restart": true, "kill": true,
}

var kubectlMutatingVerbs = map[string]bool{
	"apply": true, "delete": true, "patch": true, "edit": true,
	"replace": true, "scale": true, "rollout": true, "drain": true,
	"cordon": true, "uncordon": true,
}

var deployTools = map[string]bool{
	"terraform": true, "ansible": true, "ansible-playbook": true, "helm": true,
}

var migrationTools = map[string]bool{
	"flyway": true, "liquibase": true, "alembic": true, "migrate": true,
	"prisma": true,
}

var gitMutatingVerbs = map[string]bool{
	"commit": true, "push": true, "merge": true, "rebase": true,
	"reset": true, "cherry-pick": true, "stash": true, "tag": true,
	"checkout": true, "switch": true, "clean": true,
}

var networkTools = map[string]bool{
	"iptables": true, "ufw": true, "ifconfig": true, "route": true,
	"nmcli": true,
}

var findActionFlags = map[string]bool{
	"-delete": true, "-exec": true, "-execdir": true, "-ok": true,
	"-okdir": true, "-fprint": true, "-fprintf": true, "-fprint0": true,
	"-fls": true,
}

var hardBlockTools = map[string]string{
	"mkfs": "disk_format_tool", "fdisk": "disk_format_tool",
	"parted": "disk_format_tool", "sfdisk": "disk_format_tool",
	"shutdown": "power_operation", "reboot": "power_operation",
	"poweroff": "power_operation", "halt": "power_operation",
}

// ClassifyShellCommand is the trust-boundary core: a pure, deterministic
// function mapping a raw command string to a decision plus reason. It
// performs no I/O and must stay unit-testable without a runtime
// environment.
//
// Priority order: hard blocks, structural rejections, segment
// classification, then mode resolution.
func ClassifyShellCommand(command, mode string, allowHardBlockOverride bool) ShellResult {
	normalizedMode := strings.ToLower(strings.TrimSpace(mode))
	if normalizedMode == "" {
		normalizedMode = ModeBalanced
	}

	if reason := hardBlockReason(command); reason != "" {
		if allowHardBlockOverride {
			// Never silently allowed: an override only downgrades to a
			// human approval gate.
			return ShellResult{RequireApproval, "hard_block_overridden_" + reason}
		}
		return ShellResult{Blocked, reason}
	}

	if strings.TrimSpace(command) == "" {
		return ShellResult{RequireApproval, "empty_command"}
	}

	// Effects the classifier cannot statically see are unconditionally
	// excluded from autorun, independent of mode.
	if hasCommandSubstitution(command) {
		return ShellResult{RequireApproval, "shell_command_substitution"}
	}
	if hasOutputRedirection(command) {
		return ShellResult{RequireApproval, "output_redirection"}
	}

	readonly, mutatingReason, err := classifySegments(command)
	if err != nil {
		return ShellResult{RequireApproval, "shell_parse_error"}
	}

	switch normalizedMode {
	case ModePermissive:
		// Permissive relaxes nothing that is not explicitly readonly:
		// unclassified commands still require approval.
		if mutatingReason != "" {
			return ShellResult{RequireApproval, mutatingReason}
		}
		if readonly {
			return ShellResult{AllowAutorun, "readonly_diagnostics"}
		}
		return ShellResult{RequireApproval, "non_readonly_command"}
	case ModeBalanced:
		if readonly && mutatingReason == "" {
			return ShellResult{AllowAutorun, "readonly_diagnostics"}
		}
		if mutatingReason != "" {
			return ShellResult{RequireApproval, mutatingReason}
		}
		return ShellResult{RequireApproval, "non_readonly_command"}
	case ModeStrict:
		if readonly && mutatingReason == "" {
			return ShellResult{AllowAutorun, "readonly_diagnostics"}
		}
		if mutatingReason != "" {
			return ShellResult{RequireApproval, mutatingReason}
		}
		return ShellResult{RequireApproval, "strict_mode_non_allowlisted"}
	default:
		// Unknown modes resolve like strict and are flagged so operators
		// notice the misconfiguration.
		if readonly && mutatingReason == "" {
			return ShellResult{AllowAutorun, "readonly_diagnostics"}
		}
		return ShellResult{RequireApproval, "unknown_policy_mode"}
	}
}

// hardBlockReason recognizes command patterns that are never auto-approved
// regardless of mode.
func hardBlockReason(command string) string {
	if isForkBomb(command) {
		return "fork_bomb"
	}
	for _, segment := range splitSegments(command) {
		tokens, err := splitTokens(segment)
		if err != nil || len(tokens) == 0 {
			continue
		}
		tokens = unwrapPrefixes(tokens)
		if len(tokens) == 0 {
			continue
		}
		first := strings.ToLower(tokens[0])
		if isRootDelete(first, tokens[1:]) {
			return "rm_rf_root"
		}
		base := strings.TrimPrefix(first, "/sbin/")
		base = strings.TrimPrefix(base, "/usr/sbin/")
		if reason, ok := hardBlockTools[base]; ok {
			return reason
		}
		if strings.HasPrefix(base, "mkfs.") {
			return "disk_format_tool"
		}
		if base == "init" && len(tokens) > 1 && (tokens[1] == "0" || tokens[1] == "6") {
			return "init_power_operation"
		}
		if base == "dd" && isRawDeviceWrite(tokens[1:]) {
			return "dd_device_write"
		}
	}
	return ""
}

func isForkBomb(command string) bool {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' {
			return -1
		}
		return r
	}, command)
	return strings.Contains(compact, ":(){:|:&};:")
}

// isRootDelete matches rm variants that target the filesystem root: a
// recursive+force invocation aimed at / or /*, or any use of
// --no-preserve-root.
func isRootDelete(first string, args []string) bool {
	if first != "rm" {
		return false
	}
	if hasNoPreserveRoot(args) {
		return true
	}
	var recursive, force, rootTarget bool
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			lowered := strings.ToLower(arg)
			if lowered == "--recursive" {
				recursive = true
			}
			if lowered == "--force" {
				force = true
			}
			if !strings.HasPrefix(arg, "--") {
				if strings.ContainsAny(arg, "rR") {
					recursive = true
				}
				if strings.ContainsAny(arg, "fF") {
					force = true
				}
			}
			continue
		}
		switch arg {
		case "/", "/*", "/.", "/..", "/.*":
			rootTarget = true
		default:
			if strings.HasPrefix(arg, "/*") || strings.HasPrefix(arg, "/.*") {
				rootTarget = true
			}
		}
	}
	return recursive && force && rootTarget
}

func hasNoPreserveRoot(args []string) bool {
	for _, arg := range args {
		if strings.EqualFold(arg, "--no-preserve-root") {
			return true
		}
	}
	return false
}

func isRawDeviceWrite(args []string) bool {
	for _, arg := range args {
		if strings.HasPrefix(strings.ToLower(arg), "of=/dev/") {
			return true
		}
	}
	return false
}

// classifySegments splits the command on unquoted separators and folds the
// per-segment verdicts: every segment must be recognized-readonly for the
// command to be readonly; any mutating segment makes the whole command
// mutating (first matched reason wins).
func classifySegments(command string) (readonly bool, mutatingReason string, err error) {
	segments := splitSegments(command)
	if len(segments) == 0 {
		return false, "", nil
	}
	readonly = true
	for _, segment := range segments {
		tokens, tokErr := splitTokens(segment)
		if tokErr != nil {
			return false, "", tokErr
		}
		segReadonly, segMutating := classifyTokens(tokens)
		if !segReadonly {
			readonly = false
		}
		if segMutating != "" && mutatingReason == "" {
			mutatingReason = segMutating
		}
	}
	return readonly, mutatingReason, nil
}

func classifyTokens(tokens []string) (readonly bool, mutatingReason string) {
	if len(tokens) == 0 {
		return false, ""
	}

	unwrapped := unwrapPrefixes(tokens)
	if len(unwrapped) == 0 {
		// env with variable assignments only is itself a readonly no-op.
		return true, ""
	}
	envInvoked := len(unwrapped) != len(tokens) && strings.ToLower(tokens[0]) == "env"

	first := strings.ToLower(unwrapped[0])
	second := ""
	if len(unwrapped) > 1 {
		second = strings.ToLower(unwrapped[1])
	}

	if reason := mutatingTokenReason(first, second, unwrapped[1:]); reason != "" {
		return false, reason
	}

	if readOnlyCommands[first] {
		return true, ""
	}
	if first == "env" {
		return true, ""
	}
	if first == "find" {
		return true, ""
	}
	if first == "git" && readOnlyGitSubcommands[second] {
		return true, ""
	}

	if envInvoked {
		return false, "env_invokes_subcommand"
	}
	return false, ""
}

func mutatingTokenReason(first, second string, rest []string) string {
	if mutatingPrefixes[first] {
		return "mutating_prefix_" + first
	}
	if first == "sed" && (second == "-i" || strings.HasPrefix(second, "-i")) {
		return "in_place_edit"
	}
	if first == "find" {
		for _, arg := range rest {
			if findActionFlags[strings.ToLower(arg)] {
				return "find_mutating_action"
			}
		}
		return ""
	}
	if serviceManagers[first] {
		return "service_manager_" + first
	}
	if packageManagers[first] {
		return "package_manager_" + first
	}
	if (first == "docker" || first == "podman") && containerMutatingVerbs[second] {
		return "container_" + first + "_" + second
	}
	if first == "kubectl" && kubectlMutatingVerbs[second] {
		return "kubectl_" + second
	}
	if deployTools[first] {
		return "deploy_tool_" + first
	}
	if migrationTools[first] {
		return "migration_tool_" + first
	}
	if first == "git" && gitMutatingVerbs[second] {
		return "git_mutation_" + second
	}
	if networkTools[first] {
		return "network_tool_" + first
	}
	return ""
}

// unwrapPrefixes strips leading sudo and env wrappers so the underlying
// command is classified. For env, option tokens and VAR=VALUE assignments
// are consumed; an env that never reaches a subcommand unwraps to nothing.
func unwrapPrefixes(tokens []string) []string {
	for len(tokens) > 0 {
		switch strings.ToLower(tokens[0]) {
		case "sudo":
			tokens = tokens[1:]
			for len(tokens) > 0 && strings.HasPrefix(tokens[0], "-") {
				tokens = tokens[1:]
			}
		case "env":
			tokens = tokens[1:]
			for len(tokens) > 0 && (strings.HasPrefix(tokens[0], "-") || strings.Contains(tokens[0], "=")) {
				tokens = tokens[1:]
			}
		default:
			return tokens
		}
	}
	return tokens
}

// splitSegments splits on unquoted &&, ||, ;, | so each simple command is
// classified independently.
func splitSegments(command string) []string {
	var segments []string
	var current strings.Builder
	inSingle, inDouble, escaped := false, false, false

	flush := func() {
		segment := strings.TrimSpace(current.String())
		if segment != "" {
			segments = append(segments, segment)
		}
		current.Reset()
	}

	for i := 0; i < len(command); i++ {
		c := command[i]
		if escaped {
			current.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			current.WriteByte(c)
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteByte(c)
		case !inSingle && !inDouble && (c == ';' || c == '|'):
			flush()
			if c == '|' && i+1 < len(command) && command[i+1] == '|' {
				i++
			}
		case !inSingle && !inDouble && c == '&':
			flush()
			if i+1 < len(command) && command[i+1] == '&' {
				i++
			}
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return segments
}

// hasCommandSubstitution detects backticks and $(...) outside single
// quotes. Substitution stays active inside double quotes, so only single
// quotes make it inert.
func hasCommandSubstitution(command string) bool {
	inSingle, escaped := false, false
	for i := 0; i < len(command); i++ {
		c := command[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'':
			inSingle = !inSingle
		case !inSingle && c == '`':
			return true
		case !inSingle && c == '$' && i+1 < len(command) && command[i+1] == '(':
			return true
		}
	}
	return false
}

// hasOutputRedirection detects unquoted >, >> and >|.
func hasOutputRedirection(command string) bool {
	inSingle, inDouble, escaped := false, false, false
	for i := 0; i < len(command); i++ {
		c := command[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && c == '>':
			return true
		}
	}
	return false
}

// splitTokens is a minimal POSIX-style word splitter: single quotes are
// literal, double quotes honor backslash escapes, a trailing backslash or
// unterminated quote is a syntax error.
func splitTokens(segment string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, current.String())
			current.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(segment); {
		c := segment[i]
		switch {
		case c == '\'':
			inToken = true
			end := strings.IndexByte(segment[i+1:], '\'')
			if end < 0 {
				return nil, errBadShellSyntax
			}
			current.WriteString(segment[i+1 : i+1+end])
			i += end + 2
		case c == '"':
			inToken = true
			i++
			closed := false
			for i < len(segment) {
				if segment[i] == '\\' && i+1 < len(segment) {
					current.WriteByte(segment[i+1])
					i += 2
					continue
				}
				if segment[i] == '"' {
					i++
					closed = true
					break
				}
				current.WriteByte(segment[i])
				i++
			}
			if !closed {
				return nil, errBadShellSyntax
			}
		case c == '\\':
			if i+1 >= len(segment) {
				return nil, errBadShellSyntax
			}
			inToken = true
			current.WriteByte(segment[i+1])
			i += 2
		case c == ' ' || c == '\t' || c == '\n':
			flush()
			i++
		default:
			inToken = true
			current.WriteByte(c)
			i++
		}
	}
	flush()
	return tokens, nil
}
