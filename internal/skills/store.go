package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrSkillNotFound is returned for lookups of unknown skill names.
var ErrSkillNotFound = errors.New("skill not found")

// Manifest is the YAML frontmatter of a skill file.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Timeout overrides the default execution timeout, in seconds.
	Timeout int `yaml:"timeout,omitempty"`
}

// Skill is one loaded skill: its manifest plus the instruction body that
// follows the frontmatter.
type Skill struct {
	Manifest
	Body string
}

// Store loads skills from a directory of markdown files with YAML
// frontmatter. Files are read once at startup; Reload picks up edits.
type Store struct {
	dir string

	mu     sync.RWMutex
	skills map[string]*Skill
}

func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir, skills: make(map[string]*Skill)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the skill directory. A missing directory is treated as an
// empty skill set so deployments without skills still boot.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.skills = make(map[string]*Skill)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read skill dir: %w", err)
	}

	loaded := make(map[string]*Skill)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		skill, err := parseFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping malformed skill file")
			continue
		}
		if skill.Name == "" {
			skill.Name = strings.TrimSuffix(entry.Name(), ".md")
		}
		loaded[skill.Name] = skill
	}

	s.mu.Lock()
	s.skills = loaded
	s.mu.Unlock()
	return nil
}

// Get returns the named skill or ErrSkillNotFound.
func (s *Store) Get(name string) (*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skill, ok := s.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return skill, nil
}

// List returns the manifests of all loaded skills.
func (s *Store) List() []Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Manifest, 0, len(s.skills))
	for _, skill := range s.skills {
		out = append(out, skill.Manifest)
	}
	return out
}

func parseFile(path string) (*Skill, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frontmatter, body, err := splitFrontmatter(string(raw))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal([]byte(frontmatter), &m); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	return &Skill{Manifest: m, Body: strings.TrimSpace(body)}, nil
}

// splitFrontmatter separates a leading `---` fenced YAML block from the
// rest of the document. A file without frontmatter is all body.
func splitFrontmatter(doc string) (string, string, error) {
	if !strings.HasPrefix(doc, "---\n") && doc != "---" {
		return "", doc, nil
	}
	rest := strings.TrimPrefix(doc, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", errors.New("unterminated frontmatter fence")
	}
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return rest[:end], body, nil
}
