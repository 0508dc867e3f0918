package guideline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"signalflow/internal/domain"
)

func writeGuideline(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveReadsFile(t *testing.T) {
	dir := t.TempDir()
	writeGuideline(t, dir, "incident.md", "Triage incidents by blast radius.\n")

	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}

	text, err := p.Resolve(context.Background(), "incident")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if text != "Triage incidents by blast radius." {
		t.Errorf("text = %q", text)
	}
}

func TestResolveMissingTypeIsNotFound(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}

	_, err = p.Resolve(context.Background(), "unknown")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveEmptyFileIsNotFound(t *testing.T) {
	dir := t.TempDir()
	writeGuideline(t, dir, "blank.md", "   \n\n")

	p, _ := NewFileProvider(dir)
	_, err := p.Resolve(context.Background(), "blank")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for empty file", err)
	}
}

func TestResolveRejectsPathTraversal(t *testing.T) {
	p, _ := NewFileProvider(t.TempDir())

	for _, typ := range []string{"", "../secrets", "a/b", `a\b`} {
		if _, err := p.Resolve(context.Background(), typ); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Resolve(%q): err = %v, want ErrInvalidInput", typ, err)
		}
	}
}

func TestResolveCachesUntilReload(t *testing.T) {
	dir := t.TempDir()
	writeGuideline(t, dir, "status.md", "first version")

	p, _ := NewFileProvider(dir)
	if text, _ := p.Resolve(context.Background(), "status"); text != "first version" {
		t.Fatalf("text = %q", text)
	}

	writeGuideline(t, dir, "status.md", "second version")
	if text, _ := p.Resolve(context.Background(), "status"); text != "first version" {
		t.Errorf("expected cached text, got %q", text)
	}

	p.Reload()
	if text, _ := p.Resolve(context.Background(), "status"); text != "second version" {
		t.Errorf("expected reloaded text, got %q", text)
	}
}

func TestNewFileProviderRequiresDirectory(t *testing.T) {
	if _, err := NewFileProvider(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}

	file := filepath.Join(t.TempDir(), "file.md")
	os.WriteFile(file, []byte("x"), 0644)
	if _, err := NewFileProvider(file); err == nil {
		t.Error("expected error for non-directory path")
	}
}

func TestKnownListsGuidelineFiles(t *testing.T) {
	dir := t.TempDir()
	writeGuideline(t, dir, "incident.md", "a")
	writeGuideline(t, dir, "status.md", "b")
	writeGuideline(t, dir, "notes.txt", "ignored")

	p, _ := NewFileProvider(dir)
	types, err := p.Known()
	if err != nil {
		t.Fatalf("Known: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("types = %v, want 2 entries", types)
	}
}
