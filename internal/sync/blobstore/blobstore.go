// Package blobstore keeps photo binaries on disk addressed by their SHA-256
// hash, so the same photo queued twice is stored once.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// Store is a content-addressed directory. Blobs live at
// baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir. The directory is created lazily.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its hash. Storing existing content is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	h := Hash(data)
	if s.Exists(h) {
		return h, nil
	}
	if err := s.writeAtomic(h, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return "", err
	}
	return h, nil
}

// PutReader streams r into the store, hashing as it copies.
func (s *Store) PutReader(r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrLocalStorage, "create blob dir", err)
	}
	tmp, err := os.CreateTemp(s.baseDir, ".incoming-*")
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrLocalStorage, "create temp blob", err)
	}
	defer os.Remove(tmp.Name())

	hr := NewHashingReader(r)
	n, err := io.Copy(tmp, hr)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrLocalStorage, "write blob", err)
	}

	h := hr.Sum()
	if s.Exists(h) {
		return h, n, nil
	}
	dst := s.path(h)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrLocalStorage, "create blob dir", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrLocalStorage, "commit blob", err)
	}
	return h, n, nil
}

// Get returns the content for h, verifying it still matches its hash.
func (s *Store) Get(h string) ([]byte, error) {
	if !validHash(h) {
		return nil, apperrors.New(apperrors.ErrInvalid, "invalid blob hash "+h)
	}
	data, err := os.ReadFile(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "blob "+h, err)
		}
		return nil, apperrors.Wrap(apperrors.ErrLocalStorage, "read blob", err)
	}
	if got := Hash(data); got != h {
		return nil, apperrors.New(apperrors.ErrLocalStorage,
			fmt.Sprintf("blob corrupted: expected %s, got %s", h, got))
	}
	return data, nil
}

// Open returns a reader over the blob and its size. The caller closes it.
func (s *Store) Open(h string) (*os.File, int64, error) {
	if !validHash(h) {
		return nil, 0, apperrors.New(apperrors.ErrInvalid, "invalid blob hash "+h)
	}
	f, err := os.Open(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, apperrors.Wrap(apperrors.ErrNotFound, "blob "+h, err)
		}
		return nil, 0, apperrors.Wrap(apperrors.ErrLocalStorage, "open blob", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, apperrors.Wrap(apperrors.ErrLocalStorage, "stat blob", err)
	}
	return f, info.Size(), nil
}

// Delete removes the blob and prunes empty fan-out directories. Deleting
// a missing blob is not an error.
func (s *Store) Delete(h string) error {
	if !validHash(h) {
		return apperrors.New(apperrors.ErrInvalid, "invalid blob hash "+h)
	}
	p := s.path(h)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "delete blob", err)
	}
	dir := filepath.Dir(p)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// Exists reports whether content for h is stored.
func (s *Store) Exists(h string) bool {
	if !validHash(h) {
		return false
	}
	_, err := os.Stat(s.path(h))
	return err == nil
}

// Size returns the stored size of h in bytes.
func (s *Store) Size(h string) (int64, error) {
	if !validHash(h) {
		return 0, apperrors.New(apperrors.ErrInvalid, "invalid blob hash "+h)
	}
	info, err := os.Stat(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, apperrors.Wrap(apperrors.ErrNotFound, "blob "+h, err)
		}
		return 0, apperrors.Wrap(apperrors.ErrLocalStorage, "stat blob", err)
	}
	return info.Size(), nil
}

// List returns every stored hash.
func (s *Store) List() ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if validHash(name) && s.path(name) == p {
			hashes = append(hashes, name)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStorage, "walk blob store", err)
	}
	return hashes, nil
}

// Verify rehashes every blob and returns those whose content no longer
// matches.
func (s *Store) Verify() ([]string, error) {
	hashes, err := s.List()
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for _, h := range hashes {
		if _, err := s.Get(h); err != nil {
			corrupted = append(corrupted, h)
		}
	}
	return corrupted, nil
}

func (s *Store) path(h string) string {
	return filepath.Join(s.baseDir, h[0:2], h[2:4], h)
}

func (s *Store) writeAtomic(h string, write func(io.Writer) error) error {
	dst := s.path(h)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "create blob dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "create temp blob", err)
	}
	defer os.Remove(tmp.Name())

	err = write(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "write blob", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "commit blob", err)
	}
	return nil
}

func validHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	for _, c := range h {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// HashingReader hashes everything read through it.
type HashingReader struct {
	r io.Reader
	h hash.Hash
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex hash of the bytes read so far.
func (hr *HashingReader) Sum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}
