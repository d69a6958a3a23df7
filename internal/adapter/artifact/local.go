// Package artifact writes published products under the output directory.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalSink stores products on the local filesystem beneath Root.
type LocalSink struct {
	Root string
}

// NewLocalSink creates a sink rooted at dir.
func NewLocalSink(dir string) *LocalSink {
	return &LocalSink{Root: dir}
}

// Put writes data to Root/name. Readers never observe a partial file: the
// content goes to a temp file in the same directory and is renamed into place.
func (s *LocalSink) Put(ctx context.Context, name string, data []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create product dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("create temp product: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup of the temp file
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // write error takes precedence
		return fmt.Errorf("write product %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close product %s: %w", name, err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod product %s: %w", name, err)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("publish product %s: %w", name, err)
	}
	return nil
}

// Path returns the absolute location of name under Root.
func (s *LocalSink) Path(name string) (string, error) {
	return s.resolve(name)
}

func (s *LocalSink) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("product name %q escapes the output directory", name)
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", fmt.Errorf("resolve output dir: %w", err)
	}
	return filepath.Join(root, clean), nil
}
