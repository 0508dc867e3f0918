// Package guideline resolves per-signal-type instruction text from markdown
// files on disk. One file per signal type: <dir>/<type>.md.
package guideline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"signalflow/internal/domain"
)

// maxGuidelineFileSize is the maximum allowed guideline file size (1 MiB).
const maxGuidelineFileSize = 1 << 20

// FileProvider reads guideline files from a directory and caches their
// contents. A missing file is reported as domain.ErrNotFound so callers can
// distinguish absence from I/O failure.
type FileProvider struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]string
}

// NewFileProvider creates a provider rooted at dir. The directory must exist.
func NewFileProvider(dir string) (*FileProvider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("guideline dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("guideline path %s is not a directory", dir)
	}
	return &FileProvider{dir: dir, cache: make(map[string]string)}, nil
}

// Resolve returns the guideline text for a signal type, reading the backing
// file on first use. Signal types map to file names verbatim, so anything
// that would escape the directory is rejected.
func (p *FileProvider) Resolve(_ context.Context, signalType string) (string, error) {
	if signalType == "" || strings.ContainsAny(signalType, "/\\") || strings.Contains(signalType, "..") {
		return "", domain.NewDomainError("FileProvider.Resolve", domain.ErrInvalidInput,
			fmt.Sprintf("bad signal type %q", signalType))
	}

	p.mu.RLock()
	text, ok := p.cache[signalType]
	p.mu.RUnlock()
	if ok {
		return text, nil
	}

	path := filepath.Join(p.dir, signalType+".md")
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.NewDomainError("FileProvider.Resolve", domain.ErrNotFound, signalType)
		}
		return "", fmt.Errorf("stat guideline file %s: %w", path, err)
	}
	if info.Size() > maxGuidelineFileSize {
		return "", fmt.Errorf("guideline file %s too large (%d bytes, max %d)", path, info.Size(), maxGuidelineFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read guideline file %s: %w", path, err)
	}
	text = strings.TrimSpace(string(data))
	if text == "" {
		return "", domain.NewDomainError("FileProvider.Resolve", domain.ErrNotFound,
			fmt.Sprintf("%s is empty", signalType))
	}

	p.mu.Lock()
	p.cache[signalType] = text
	p.mu.Unlock()
	return text, nil
}

// Reload drops the cache so edited files take effect on the next Resolve.
func (p *FileProvider) Reload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]string)
}

// Known lists the signal types that currently have a guideline file.
func (p *FileProvider) Known() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read guideline dir %s: %w", p.dir, err)
	}
	var types []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		types = append(types, strings.TrimSuffix(entry.Name(), ".md"))
	}
	return types, nil
}
