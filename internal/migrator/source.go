package migrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source provides migrations by identifier.
type Source interface {
	// List returns every available identifier in ascending order.
	List(ctx context.Context) ([]string, error)
	// Load returns the migration body for id, read fresh on each call.
	Load(ctx context.Context, id string) (*Body, error)
	// Hash returns the content fingerprint of id, or "" when the source has none.
	Hash(ctx context.Context, id string) (string, error)
}

// SampleName is the base name of the template file skipped by DirSource.
const SampleName = "sample-migration"

// DirSource serves script migrations from a directory. The identifier of a
// migration is its file name.
type DirSource struct {
	Dir       string
	Extension string
	loader    *ScriptLoader
}

// NewDirSource returns a source for files ending in ext under dir.
func NewDirSource(dir, ext string) *DirSource {
	if ext == "" {
		ext = ".go"
	}
	return &DirSource{Dir: dir, Extension: ext, loader: NewScriptLoader()}
}

func (s *DirSource) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), strings.ToLower(s.Extension)) {
			continue
		}
		if name == SampleName+s.Extension || strings.HasSuffix(name, "_test.go") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *DirSource) Load(ctx context.Context, id string) (*Body, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := s.read(id)
	if err != nil {
		return nil, err
	}
	return s.loader.Load(id, src)
}

func (s *DirSource) Hash(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := s.read(id)
	if err != nil {
		return "", err
	}
	return checksum(src), nil
}

func (s *DirSource) read(id string) ([]byte, error) {
	if id != filepath.Base(id) {
		return nil, fmt.Errorf("%w: invalid migration name %q", ErrIO, id)
	}
	b, err := os.ReadFile(filepath.Join(s.Dir, id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return b, nil
}

func checksum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
