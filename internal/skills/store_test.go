package skills

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill file: %v", err)
	}
}

func TestStoreLoadsFrontmatterAndBody(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "summarize.md", `---
name: summarize
description: Summarize a document.
timeout: 30
---
Read the input and produce a short summary.
`)

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	skill, err := s.Get("summarize")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if skill.Description != "Summarize a document." {
		t.Fatalf("description = %q", skill.Description)
	}
	if skill.Timeout != 30 {
		t.Fatalf("timeout = %d", skill.Timeout)
	}
	if skill.Body != "Read the input and produce a short summary." {
		t.Fatalf("body = %q", skill.Body)
	}
}

func TestStoreNameDefaultsToFilename(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "lookup.md", `---
description: Look something up.
---
Do the lookup.
`)

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.Get("lookup"); err != nil {
		t.Fatalf("get by filename: %v", err)
	}
}

func TestStoreSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "broken.md", "---\nname: broken\nno closing fence")
	writeSkill(t, dir, "ok.md", "---\nname: ok\n---\nbody\n")
	writeSkill(t, dir, "notes.txt", "not a skill")

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if len(s.List()) != 1 {
		t.Fatalf("loaded %d skills, want 1", len(s.List()))
	}
	if _, err := s.Get("broken"); !errors.Is(err, ErrSkillNotFound) {
		t.Fatalf("expected ErrSkillNotFound, got %v", err)
	}
}

func TestStoreMissingDirIsEmpty(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected empty skill set")
	}
}
