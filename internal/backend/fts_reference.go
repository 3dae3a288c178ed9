package backend

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sourcewell/goldenindex/internal/model"
)

// FTSReference is a minimal, in-process line-grep Backend. It exists only
// so the rest of this repo (IndexCache, MultiSearchDispatcher,
// Coordinator) has something concrete to load and search in tests and
// small deployments -- the spec treats the real vector/FTS/SCIP engines as
// out-of-scope external collaborators reachable only through the Backend
// interface, so this is a reference implementation, not a production
// search engine.
type FTSReference struct {
	mu       sync.RWMutex
	rootPath string
	alias    string
	lines    []indexedLine
	closed   bool
}

type indexedLine struct {
	filePath string
	line     int
	text     string
}

// NewFTSReference builds an index over every regular file under rootPath.
func NewFTSReference(alias, rootPath string) (*FTSReference, error) {
	f := &FTSReference{rootPath: rootPath, alias: alias}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Search returns every indexed line containing query as a substring
// (case-insensitive), scored by occurrence count, up to limit hits.
func (f *FTSReference) Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, model.ErrBackendUnavailable
	}

	needle := strings.ToLower(query)
	var hits []model.SearchHit
	for _, l := range f.lines {
		select {
		case <-ctx.Done():
			return hits, ctx.Err()
		default:
		}
		count := strings.Count(strings.ToLower(l.text), needle)
		if count == 0 {
			continue
		}
		hits = append(hits, model.SearchHit{
			Alias:     f.alias,
			FilePath:  l.filePath,
			StartLine: l.line,
			EndLine:   l.line,
			Score:     float64(count),
			Snippet:   strings.TrimSpace(l.text),
			Backend:   model.BackendFTS,
		})
		if len(hits) >= limit && limit > 0 {
			break
		}
	}
	return hits, nil
}

// Reload re-walks rootPath, rebuilding the in-memory line index.
func (f *FTSReference) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reload()
}

// reload must be called with f.mu held (or during construction, before
// any other goroutine has a reference).
func (f *FTSReference) reload() error {
	var lines []indexedLine
	err := filepath.WalkDir(f.rootPath, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(f.rootPath, path)
		if relErr != nil || strings.Contains(rel, ".versioned"+string(filepath.Separator)) {
			return nil
		}
		file, openErr := os.Open(path)
		if openErr != nil {
			return nil //nolint:nilerr // unreadable files are skipped, not fatal to indexing
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			lines = append(lines, indexedLine{filePath: path, line: lineNo, text: scanner.Text()})
		}
		return nil
	})
	if err != nil {
		return err
	}
	f.lines = lines
	return nil
}

// Health reports whether rootPath is still a readable directory.
func (f *FTSReference) Health() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return model.ErrBackendUnavailable
	}
	info, err := os.Stat(f.rootPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return model.ErrBackendUnavailable
	}
	return nil
}

// Close marks the backend unusable. The in-memory index has nothing else
// to release.
func (f *FTSReference) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.lines = nil
	return nil
}

var _ Backend = (*FTSReference)(nil)
