// Package storage stages photo bytes on disk, addressed by content hash,
// until the upload queue ships them to the server.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
)

// PhotoStore is a content-addressed staging area for pending photo uploads.
// Files live under root/<hash[:2]>/<hash[2:4]>/<hash>; identical photos share
// one file, and a staged file can be re-read after a crash to resume the
// upload.
type PhotoStore struct {
	root string
}

// NewPhotoStore creates a PhotoStore rooted at dir, creating it if needed.
func NewPhotoStore(dir string) (*PhotoStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create photo staging directory", err)
	}
	return &PhotoStore{root: dir}, nil
}

// CalculateHash returns the hex SHA-256 digest of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateHashFromReader returns the hex SHA-256 digest of r's contents.
func CalculateHashFromReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to hash content", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store writes data into the staging area and returns its content hash and
// on-disk path. Storing the same bytes twice is a no-op.
func (s *PhotoStore) Store(data []byte) (hash string, path string, err error) {
	hash = CalculateHash(data)
	path = s.pathFor(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrInternal, "failed to create photo shard directory", err)
	}

	// Write to a temp file and rename so a crash never leaves a partial
	// file at the content address.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".staging-*")
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrInternal, "failed to create staging file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", apperrors.Wrap(apperrors.ErrInternal, "failed to write staging file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", apperrors.Wrap(apperrors.ErrInternal, "failed to sync staging file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", apperrors.Wrap(apperrors.ErrInternal, "failed to close staging file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", "", apperrors.Wrap(apperrors.ErrInternal, "failed to finalize staging file", err)
	}

	return hash, path, nil
}

// Open returns a reader over the staged content for hash. The caller closes it.
func (s *PhotoStore) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "no staged content for hash %s", hash)
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to open staged content", err)
	}
	return f, nil
}

// Path returns the on-disk path for hash without checking existence.
func (s *PhotoStore) Path(hash string) string {
	return s.pathFor(hash)
}

// Verify re-hashes the staged file and reports whether it still matches hash.
func (s *PhotoStore) Verify(hash string) (bool, error) {
	f, err := s.Open(hash)
	if err != nil {
		return false, err
	}
	defer f.Close()

	actual, err := CalculateHashFromReader(f)
	if err != nil {
		return false, err
	}
	return actual == hash, nil
}

// Delete removes the staged content for hash. Deleting absent content is a
// no-op.
func (s *PhotoStore) Delete(hash string) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete staged content", err)
	}
	return nil
}

func (s *PhotoStore) pathFor(hash string) string {
	if len(hash) < 4 {
		// Malformed hashes land in a quarantine shard.
		return filepath.Join(s.root, "xx", "xx", fmt.Sprintf("bad-%s", hash))
	}
	return filepath.Join(s.root, hash[:2], hash[2:4], hash)
}
