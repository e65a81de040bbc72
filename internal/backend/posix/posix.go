// Package posix implements the object backend on a local filesystem. Each
// object is one file under <path>/<namespace>/<name>.
package posix

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/internal/backend"
)

func init() {
	backend.RegisterObject("posix", func(path string, logger zerolog.Logger) (backend.Object, error) {
		return New(path, logger)
	})
}

// Backend is a POSIX object backend rooted at a directory.
type Backend struct {
	root   string
	logger zerolog.Logger
}

// New creates the root directory if needed and returns the backend.
func New(root string, logger zerolog.Logger) (*Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("posix: create root %s: %w", root, err)
	}

	return &Backend{
		root:   root,
		logger: logger.With().Str("backend", "posix").Logger(),
	}, nil
}

func (b *Backend) objectPath(namespace, name string) string {
	return filepath.Join(b.root, namespace, name)
}

func (b *Backend) Create(namespace, name string) (backend.ObjectHandle, error) {
	if err := os.MkdirAll(filepath.Join(b.root, namespace), 0o755); err != nil {
		return nil, fmt.Errorf("posix: create namespace %s: %w", namespace, err)
	}

	path := b.objectPath(namespace, name)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, backend.ErrExists
		}
		return nil, fmt.Errorf("posix: create %s: %w", path, err)
	}

	return &handle{file: file, path: path}, nil
}

func (b *Backend) Open(namespace, name string) (backend.ObjectHandle, error) {
	path := b.objectPath(namespace, name)

	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("posix: open %s: %w", path, err)
	}

	return &handle{file: file, path: path}, nil
}

func (b *Backend) Close() error {
	return nil
}

type handle struct {
	file *os.File
	path string
}

func (h *handle) Read(p []byte, offset uint64) (int, error) {
	n, err := h.file.ReadAt(p, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("posix: read %s: %w", h.path, err)
	}
	return n, nil
}

func (h *handle) Write(p []byte, offset uint64) (int, error) {
	n, err := h.file.WriteAt(p, int64(offset))
	if err != nil {
		return n, fmt.Errorf("posix: write %s: %w", h.path, err)
	}
	return n, nil
}

func (h *handle) Status() (int64, uint64, error) {
	info, err := h.file.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("posix: stat %s: %w", h.path, err)
	}
	return info.ModTime().UnixNano(), uint64(info.Size()), nil
}

func (h *handle) Sync() error {
	return h.file.Sync()
}

func (h *handle) Delete() error {
	if err := os.Remove(h.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return backend.ErrNotFound
		}
		return fmt.Errorf("posix: delete %s: %w", h.path, err)
	}
	return h.file.Close()
}

func (h *handle) Close() error {
	return h.file.Close()
}
