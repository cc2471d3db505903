package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/orchestrate/orcherrors"
)

// Sandbox manages a per-agent working directory under a shared base dir.
type Sandbox struct {
	baseDir string
}

// NewSandbox returns a Sandbox rooting agent directories under baseDir.
func NewSandbox(baseDir string) *Sandbox {
	return &Sandbox{baseDir: baseDir}
}

// PathFor returns the sandbox directory for agentID without creating it.
func (s *Sandbox) PathFor(agentID string) string {
	return filepath.Join(s.baseDir, agentID)
}

// CreateSandbox ensures agentID's sandbox directory exists. If clean is true
// and the directory already exists, it is removed and recreated empty.
func (s *Sandbox) CreateSandbox(agentID string, clean bool) (string, error) {
	path := s.PathFor(agentID)

	if clean {
		if err := os.RemoveAll(path); err != nil {
			return "", &orcherrors.WorkspaceError{AgentID: agentID, Path: path, Err: err}
		}
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return "", &orcherrors.WorkspaceError{AgentID: agentID, Path: path, Err: err}
	}
	return path, nil
}

// WriteFile writes content to a path relative to agentID's sandbox.
func (s *Sandbox) WriteFile(agentID, relPath string, content []byte) error {
	full := filepath.Join(s.PathFor(agentID), relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return &orcherrors.WorkspaceError{AgentID: agentID, Path: full, Err: err}
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		return &orcherrors.WorkspaceError{AgentID: agentID, Path: full, Err: err}
	}
	return nil
}

// ReadFile reads a path relative to agentID's sandbox.
func (s *Sandbox) ReadFile(agentID, relPath string) ([]byte, error) {
	full := filepath.Join(s.PathFor(agentID), relPath)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, &orcherrors.WorkspaceError{AgentID: agentID, Path: full, Err: err}
	}
	return data, nil
}

// InjectClaudeMd writes the agent's instruction file at the sandbox root.
func (s *Sandbox) InjectClaudeMd(agentID, content string) error {
	return s.WriteFile(agentID, InstructionFileName, []byte(content))
}

// CopyFilesToSandbox copies every file matching a doublestar glob pattern
// (evaluated against repoRoot) into agentID's sandbox, preserving relative
// paths.
func (s *Sandbox) CopyFilesToSandbox(agentID, repoRoot string, patterns []string) error {
	dest := s.PathFor(agentID)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return &orcherrors.WorkspaceError{AgentID: agentID, Path: dest, Err: err}
	}

	fsys := os.DirFS(repoRoot)
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return &orcherrors.WorkspaceError{AgentID: agentID, Path: pattern, Err: fmt.Errorf("glob: %w", err)}
		}

		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			seen[rel] = true

			info, err := os.Stat(filepath.Join(repoRoot, rel))
			if err != nil || info.IsDir() {
				continue
			}

			data, err := os.ReadFile(filepath.Join(repoRoot, rel))
			if err != nil {
				return &orcherrors.WorkspaceError{AgentID: agentID, Path: rel, Err: err}
			}
			if err := s.WriteFile(agentID, rel, data); err != nil {
				return err
			}
		}
	}

	return nil
}

// CleanupSandbox removes agentID's sandbox directory entirely.
func (s *Sandbox) CleanupSandbox(agentID string) error {
	path := s.PathFor(agentID)
	if err := os.RemoveAll(path); err != nil {
		return &orcherrors.WorkspaceError{AgentID: agentID, Path: path, Err: err}
	}
	return nil
}

// CleanupAll removes every sandbox under the base directory.
func (s *Sandbox) CleanupAll() error {
	if err := os.RemoveAll(s.baseDir); err != nil {
		return &orcherrors.WorkspaceError{Path: s.baseDir, Err: err}
	}
	return nil
}
