package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local writes artifacts below a base directory. Locators are file:// URLs.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (l *Local) Delete(_ context.Context, locator string) error {
	p, ok := strings.CutPrefix(locator, "file://")
	if !ok {
		return fmt.Errorf("%q: %w", locator, ErrForeignLocator)
	}
	base, err := filepath.Abs(l.baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	p = filepath.FromSlash(p)
	if rel, err := filepath.Rel(base, p); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%q outside %s: %w", locator, base, ErrForeignLocator)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
