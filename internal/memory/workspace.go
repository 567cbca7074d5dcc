// Package memory holds the agent memory stack: the sandboxed file workspace
// in this file, hybrid event-index retrieval (hybrid.go), structured state
// items (stateitem.go), and thread compaction (compact.go).
package memory

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxReadBytes   = 1 * 1024 * 1024
	maxListEntries = 500
	maxSearchDepth = 3
	maxSearchHits  = 100
)

// FileInfo describes one directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// SearchHit is one matching line.
type SearchHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// Workspace is a file store confined to a root directory: every path an
// agent hands it is resolved, symlink-chased, and rejected if it lands
// outside the root.
type Workspace struct {
	rootDir string
}

// NewWorkspace creates (if needed) and confines to rootDir. The root itself
// is symlink-resolved up front so later containment checks compare resolved
// paths on both sides.
func NewWorkspace(rootDir string) (*Workspace, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("memory: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create root dir: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("memory: eval symlinks on root: %w", err)
	}
	return &Workspace{rootDir: resolved}, nil
}

// confine maps a caller path into the workspace and rejects anything that
// escapes the root, whether by "..", absolute path, or symlink.
func (w *Workspace) confine(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("memory: empty path")
	}

	cleaned := filepath.Clean(path)
	full := cleaned
	if !filepath.IsAbs(cleaned) {
		full = filepath.Join(w.rootDir, cleaned)
	}

	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("memory: resolve path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (about to be written); resolve from
		// the deepest existing ancestor instead.
		resolved, err = evalSymlinksPartial(abs)
		if err != nil {
			return "", fmt.Errorf("memory: resolve symlinks: %w", err)
		}
	}

	if resolved != w.rootDir && !strings.HasPrefix(resolved, w.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("memory: path traversal blocked: %s", path)
	}
	return resolved, nil
}

// evalSymlinksPartial walks up until an existing ancestor resolves, then
// re-appends the not-yet-existing tail.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

// Read returns a file's contents, capped at maxReadBytes.
func (w *Workspace) Read(path string) (string, error) {
	resolved, err := w.confine(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("memory: stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("memory: path is a directory")
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("memory: file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("memory: read: %w", err)
	}
	return string(data), nil
}

// Write replaces a file atomically: temp file in the target directory, then
// rename. Parent directories are created as needed.
func (w *Workspace) Write(path, content string) error {
	resolved, err := w.confine(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mem-*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("memory: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memory: close temp: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memory: rename: %w", err)
	}
	return nil
}

// Append appends to a file, creating it if missing.
func (w *Workspace) Append(path, content string) error {
	resolved, err := w.confine(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("memory: mkdir: %w", err)
	}

	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open append: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("memory: append: %w", err)
	}
	return nil
}

// List returns up to maxListEntries directory entries.
func (w *Workspace) List(dir string) ([]FileInfo, error) {
	resolved, err := w.confine(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("memory: read dir: %w", err)
	}

	var result []FileInfo
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		result = append(result, FileInfo{Name: entry.Name(), IsDir: entry.IsDir(), Size: size})
	}
	return result, nil
}

// Search runs a case-insensitive substring scan over text files, at most
// maxSearchDepth levels down and maxSearchHits results. Files with invalid
// UTF-8 lines are treated as binary and skipped whole.
func (w *Workspace) Search(query string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("memory: empty search query")
	}

	needle := strings.ToLower(query)
	var hits []SearchHit

	err := filepath.WalkDir(w.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if len(hits) >= maxSearchHits {
			return fs.SkipAll
		}

		rel, relErr := filepath.Rel(w.rootDir, path)
		if relErr != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		if d.IsDir() {
			if depth > maxSearchDepth {
				return fs.SkipDir
			}
			return nil
		}
		if depth > maxSearchDepth {
			return nil
		}

		if info, infoErr := d.Info(); infoErr != nil || info.Size() > maxReadBytes {
			return nil
		}

		fileHits, scanErr := scanFile(path, rel, needle, maxSearchHits-len(hits))
		if scanErr != nil {
			return nil
		}
		hits = append(hits, fileHits...)
		if len(hits) >= maxSearchHits {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search walk: %w", err)
	}
	return hits, nil
}

// scanFile collects up to limit matching lines from one file.
func scanFile(path, rel, needle string, limit int) ([]SearchHit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []SearchHit
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !utf8.ValidString(line) {
			// Binary content; abandon the whole file.
			return nil, nil
		}
		if strings.Contains(strings.ToLower(line), needle) {
			hits = append(hits, SearchHit{Path: rel, Line: lineNum, Content: truncate(line, 200)})
			if len(hits) >= limit {
				break
			}
		}
	}
	return hits, nil
}

// Delete removes one file. Directories are refused.
func (w *Workspace) Delete(path string) error {
	resolved, err := w.confine(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("memory: stat: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("memory: cannot delete directory")
	}
	if err := os.Remove(resolved); err != nil {
		return fmt.Errorf("memory: remove: %w", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
