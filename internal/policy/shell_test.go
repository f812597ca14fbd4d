package policy

import "testing"

func classify(t *testing.T, command string) ShellResult {
	t.Helper()
	return ClassifyShellCommand(command, ModeBalanced, false)
}

func TestReadonlyAllowlistAutoruns(t *testing.T) {
	commands := []string{
		"ls -la",
		"pwd",
		"cat /etc/hostname",
		"head -n 20 service.log",
		"grep -r TODO .",
		"rg 'func main' internal",
		"stat /tmp",
		"df -h",
		"du -sh /var/log",
		"ps aux",
		"uname -a",
		"id",
		"whoami",
		"date",
		"printenv",
		"git status",
		"git log --oneline",
		"git show HEAD",
		"git diff main",
		"find /tmp -name '*.log'",
		"ls -la && df -h",
	}
	for _, command := range commands {
		got := classify(t, command)
		if got.Decision != AllowAutorun {
			t.Errorf("classify(%q) = %v/%s, want ALLOW_AUTORUN", command, got.Decision, got.Reason)
		}
		if got.Reason != "readonly_diagnostics" {
			t.Errorf("classify(%q) reason = %s, want readonly_diagnostics", command, got.Reason)
		}
	}
}

func TestHardBlocks(t *testing.T) {
	tests := []struct {
		command string
		reason  string
	}{
		{"rm -rf /", "rm_rf_root"},
		{"rm -fr /*", "rm_rf_root"},
		{"rm -r -f /", "rm_rf_root"},
		{"rm --recursive --force /", "rm_rf_root"},
		{"rm --no-preserve-root -rf /home", "rm_rf_root"},
		{"sudo rm -rf /", "rm_rf_root"},
		{":(){ :|:& };:", "fork_bomb"},
		{"mkfs /dev/sda1", "disk_format_tool"},
		{"mkfs.ext4 /dev/sda1", "disk_format_tool"},
		{"fdisk /dev/sda", "disk_format_tool"},
		{"parted /dev/sda", "disk_format_tool"},
		{"sfdisk /dev/sda", "disk_format_tool"},
		{"shutdown -h now", "power_operation"},
		{"reboot", "power_operation"},
		{"poweroff", "power_operation"},
		{"halt", "power_operation"},
		{"init 0", "init_power_operation"},
		{"init 6", "init_power_operation"},
		{"dd if=/dev/zero of=/dev/sda", "dd_device_write"},
		{"ls -la && rm -rf /", "rm_rf_root"},
	}
	for _, tt := range tests {
		got := classify(t, tt.command)
		if got.Decision != Blocked || got.Reason != tt.reason {
			t.Errorf("classify(%q) = %v/%s, want BLOCKED/%s", tt.command, got.Decision, got.Reason, tt.reason)
		}
	}
}

func TestHardBlockOverrideDowngradesToApproval(t *testing.T) {
	got := ClassifyShellCommand("rm -rf /", ModeBalanced, true)
	if got.Decision != RequireApproval {
		t.Fatalf("decision = %v, want REQUIRE_APPROVAL", got.Decision)
	}
	if got.Reason != "hard_block_overridden_rm_rf_root" {
		t.Fatalf("reason = %s, want hard_block_overridden_rm_rf_root", got.Reason)
	}
}

func TestCommandSubstitutionForcesApproval(t *testing.T) {
	tests := []string{
		"cat `touch /tmp/x`",
		"echo $(whoami)",
		"ls \"$(rm -r sub)\"",
	}
	for _, command := range tests {
		got := classify(t, command)
		if got.Decision != RequireApproval || got.Reason != "shell_command_substitution" {
			t.Errorf("classify(%q) = %v/%s, want REQUIRE_APPROVAL/shell_command_substitution",
				command, got.Decision, got.Reason)
		}
	}
}

func TestSubstitutionInsideSingleQuotesIsInert(t *testing.T) {
	got := classify(t, "grep '$(pattern)' notes.txt")
	if got.Decision != AllowAutorun {
		t.Fatalf("classify single-quoted substitution = %v/%s, want ALLOW_AUTORUN", got.Decision, got.Reason)
	}
}

func TestOutputRedirectionForcesApproval(t *testing.T) {
	for _, command := range []string{"ls > out.txt", "cat a >> b", "date >| stamp"} {
		got := classify(t, command)
		if got.Decision != RequireApproval || got.Reason != "output_redirection" {
			t.Errorf("classify(%q) = %v/%s, want REQUIRE_APPROVAL/output_redirection",
				command, got.Decision, got.Reason)
		}
	}
}

func TestQuotedRedirectionIsLiteral(t *testing.T) {
	got := classify(t, "grep '>' notes.txt")
	if got.Decision != AllowAutorun {
		t.Fatalf("quoted > treated as redirection: %v/%s", got.Decision, got.Reason)
	}
}

func TestUnparsableSyntaxForcesApproval(t *testing.T) {
	got := classify(t, "cat 'unterminated")
	if got.Decision != RequireApproval || got.Reason != "shell_parse_error" {
		t.Fatalf("classify unterminated quote = %v/%s", got.Decision, got.Reason)
	}
}

func TestMutatingDetection(t *testing.T) {
	tests := []struct {
		command string
		reason  string
	}{
		{"rm old.log", "mutating_prefix_rm"},
		{"mv a b", "mutating_prefix_mv"},
		{"chmod +x run.sh", "mutating_prefix_chmod"},
		{"touch marker", "mutating_prefix_touch"},
		{"mkdir build", "mutating_prefix_mkdir"},
		{"tee /tmp/out", "mutating_prefix_tee"},
		{"sed -i s/a/b/ file", "in_place_edit"},
		{"systemctl restart nginx", "service_manager_systemctl"},
		{"service nginx reload", "service_manager_service"},
		{"apt install jq", "package_manager_apt"},
		{"pip install requests", "package_manager_pip"},
		{"npm install", "package_manager_npm"},
		{"docker run alpine", "container_docker_run"},
		{"docker exec web sh", "container_docker_exec"},
		{"podman stop web", "container_podman_stop"},
		{"kubectl apply -f deploy.yaml", "kubectl_apply"},
		{"kubectl delete pod web", "kubectl_delete"},
		{"terraform apply", "deploy_tool_terraform"},
		{"helm upgrade web ./chart", "deploy_tool_helm"},
		{"alembic upgrade head", "migration_tool_alembic"},
		{"git push origin main", "git_mutation_push"},
		{"git commit -m x", "git_mutation_commit"},
		{"iptables -F", "network_tool_iptables"},
		{"find /tmp -delete", "find_mutating_action"},
		{"find . -name '*.o' -exec rm {} ;", "find_mutating_action"},
		{"ls && rm old.log", "mutating_prefix_rm"},
	}
	for _, tt := range tests {
		got := classify(t, tt.command)
		if got.Decision != RequireApproval || got.Reason != tt.reason {
			t.Errorf("classify(%q) = %v/%s, want REQUIRE_APPROVAL/%s",
				tt.command, got.Decision, got.Reason, tt.reason)
		}
	}
}

func TestPrefixUnwrapping(t *testing.T) {
	if got := classify(t, "sudo rm build"); got.Reason != "mutating_prefix_rm" {
		t.Errorf("sudo rm = %v/%s", got.Decision, got.Reason)
	}
	if got := classify(t, "env FOO=1 ls"); got.Decision != AllowAutorun {
		t.Errorf("env FOO=1 ls = %v/%s, want ALLOW_AUTORUN", got.Decision, got.Reason)
	}
	// env that only sets variables is a readonly no-op.
	if got := classify(t, "env FOO=1 BAR=2"); got.Decision != AllowAutorun {
		t.Errorf("env assignments only = %v/%s, want ALLOW_AUTORUN", got.Decision, got.Reason)
	}
	if got := classify(t, "env FOO=1 unknowncmd"); got.Reason != "env_invokes_subcommand" {
		t.Errorf("env unknowncmd reason = %s, want env_invokes_subcommand", got.Reason)
	}
}

func TestBalancedModeDefaultsToApproval(t *testing.T) {
	got := classify(t, "makepkg -si")
	if got.Decision != RequireApproval || got.Reason != "non_readonly_command" {
		t.Fatalf("unclassified command = %v/%s, want REQUIRE_APPROVAL/non_readonly_command",
			got.Decision, got.Reason)
	}
}

func TestStrictModeOnlyAllowlistAutoruns(t *testing.T) {
	if got := ClassifyShellCommand("ls", ModeStrict, false); got.Decision != AllowAutorun {
		t.Errorf("strict ls = %v/%s", got.Decision, got.Reason)
	}
	got := ClassifyShellCommand("makepkg", ModeStrict, false)
	if got.Decision != RequireApproval || got.Reason != "strict_mode_non_allowlisted" {
		t.Errorf("strict unclassified = %v/%s", got.Decision, got.Reason)
	}
}

func TestPermissiveModeStillGatesUnclassified(t *testing.T) {
	if got := ClassifyShellCommand("ls", ModePermissive, false); got.Decision != AllowAutorun {
		t.Errorf("permissive ls = %v/%s", got.Decision, got.Reason)
	}
	if got := ClassifyShellCommand("rm x", ModePermissive, false); got.Decision != RequireApproval {
		t.Errorf("permissive rm = %v/%s", got.Decision, got.Reason)
	}
	got := ClassifyShellCommand("makepkg", ModePermissive, false)
	if got.Decision != RequireApproval {
		t.Errorf("permissive unclassified = %v/%s, want REQUIRE_APPROVAL", got.Decision, got.Reason)
	}
}

func TestUnknownModeFailsClosed(t *testing.T) {
	got := ClassifyShellCommand("makepkg", "yolo", false)
	if got.Decision != RequireApproval || got.Reason != "unknown_policy_mode" {
		t.Fatalf("unknown mode = %v/%s, want REQUIRE_APPROVAL/unknown_policy_mode", got.Decision, got.Reason)
	}
	// Unknown modes resolve like strict, so the allowlist still autoruns.
	if got := ClassifyShellCommand("ls", "yolo", false); got.Decision != AllowAutorun {
		t.Fatalf("unknown mode ls = %v/%s, want ALLOW_AUTORUN", got.Decision, got.Reason)
	}
}

func TestEmptyCommandRequiresApproval(t *testing.T) {
	got := classify(t, "   ")
	if got.Decision != RequireApproval || got.Reason != "empty_command" {
		t.Fatalf("empty command = %v/%s", got.Decision, got.Reason)
	}
}

func TestMixedSegmentsAnyMutatingWins(t *testing.T) {
	got := classify(t, "ls | grep x ; rm x")
	if got.Decision != RequireApproval || got.Reason != "mutating_prefix_rm" {
		t.Fatalf("mixed segments = %v/%s", got.Decision, got.Reason)
	}
}

func TestClassifierIsDeterministic(t *testing.T) {
	first := classify(t, "sudo systemctl restart nginx && ls")
	for i := 0; i < 10; i++ {
		if got := classify(t, "sudo systemctl restart nginx && ls"); got != first {
			t.Fatalf("nondeterministic result: %v vs %v", got, first)
		}
	}
}
