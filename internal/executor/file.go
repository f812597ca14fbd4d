package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileRunner serves `write path::content` and `read path` instructions,
// confined to its root directory.
type FileRunner struct {
	Root string
}

func NewFileRunner(root string) (*FileRunner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve file root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create file root: %w", err)
	}
	return &FileRunner{Root: abs}, nil
}

// Execute parses and runs one file instruction. Path escapes and unknown
// verbs are permanent failures.
func (r *FileRunner) Execute(instruction string) outcome {
	verb, rest, _ := strings.Cut(strings.TrimSpace(instruction), " ")
	switch verb {
	case "write":
		path, content, ok := strings.Cut(rest, "::")
		if !ok {
			return nonRetriable("write instruction must be `write path::content`")
		}
		resolved, err := r.resolve(path)
		if err != nil {
			return nonRetriable(err.Error())
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return retriable("", fmt.Sprintf("create parent dir: %v", err))
		}
		if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
			return retriable("", fmt.Sprintf("write file: %v", err))
		}
		return succeed(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	case "read":
		resolved, err := r.resolve(rest)
		if err != nil {
			return nonRetriable(err.Error())
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			if os.IsNotExist(err) {
				return nonRetriable(fmt.Sprintf("no such file: %s", rest))
			}
			return retriable("", fmt.Sprintf("read file: %v", err))
		}
		return succeed(string(data))
	default:
		return nonRetriable(fmt.Sprintf("unknown file instruction %q", verb))
	}
}

// resolve joins path under the root and rejects anything that escapes it.
func (r *FileRunner) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("empty file path")
	}
	joined := filepath.Join(r.Root, path)
	rel, err := filepath.Rel(r.Root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes sandbox: %s", path)
	}
	return joined, nil
}
