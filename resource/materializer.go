package resource

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Handle is a local, transient reference to fetched bytes. The zero Handle
// refers to nothing.
type Handle struct {
	URL         string
	ContentType string
	Size        int64
}

// IsZero reports whether h refers to nothing.
func (h Handle) IsZero() bool {
	return h.URL == ""
}

// Materializer turns fetched bytes into a Handle and reclaims it later.
// Release is called exactly once per handle.
type Materializer interface {
	Materialize(data []byte, contentType string) (Handle, error)
	Release(h Handle)
}

type blob struct {
	data        []byte
	contentType string
}

// MemoryRegistry keeps materialized bytes in process memory under blob:
// URLs.
type MemoryRegistry struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{blobs: make(map[string]blob)}
}

// Materialize implements Materializer.
func (r *MemoryRegistry) Materialize(data []byte, contentType string) (Handle, error) {
	h := Handle{
		URL:         "blob:" + uuid.NewString(),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	r.mu.Lock()
	r.blobs[h.URL] = blob{data: append([]byte(nil), data...), contentType: contentType}
	r.mu.Unlock()
	return h, nil
}

// Release implements Materializer.
func (r *MemoryRegistry) Release(h Handle) {
	r.mu.Lock()
	delete(r.blobs, h.URL)
	r.mu.Unlock()
}

// Open returns the bytes behind a blob URL while it is alive.
func (r *MemoryRegistry) Open(blobURL string) ([]byte, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[blobURL]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), b.data...), b.contentType, true
}

// Len returns the number of live handles.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

// TempDirMaterializer writes each resource to its own file and hands out
// file:// URLs. Releasing a handle removes the file.
type TempDirMaterializer struct {
	dir string
}

// NewTempDirMaterializer stores files in dir, or in the system temporary
// directory when dir is empty.
func NewTempDirMaterializer(dir string) *TempDirMaterializer {
	if dir == "" {
		dir = os.TempDir()
	}
	return &TempDirMaterializer{dir: dir}
}

// Materialize implements Materializer.
func (m *TempDirMaterializer) Materialize(data []byte, contentType string) (Handle, error) {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}

	f, err := os.CreateTemp(m.dir, "iotguard-*"+ext)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create resource file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return Handle{}, fmt.Errorf("failed to write resource file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return Handle{}, fmt.Errorf("failed to write resource file: %w", err)
	}

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(f.Name())}
	return Handle{URL: u.String(), ContentType: contentType, Size: int64(len(data))}, nil
}

// Release implements Materializer.
func (m *TempDirMaterializer) Release(h Handle) {
	if path, err := FilePath(h); err == nil {
		os.Remove(path)
	}
}

// FilePath returns the local path of a file:// handle.
func FilePath(h Handle) (string, error) {
	u, err := url.Parse(h.URL)
	if err != nil {
		return "", fmt.Errorf("invalid handle URL: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("handle %q is not a file", h.URL)
	}
	return filepath.FromSlash(u.Path), nil
}
