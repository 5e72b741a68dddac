package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/security"
)

// LocalStore keeps blobs as files under a root directory
type LocalStore struct {
	root      string
	validator *security.Validator
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root string, validator *security.Validator) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		slog.Error("local_store_dir_creation_failed", "path", root, "error", err)
		return nil, errors.Wrap(err, "failed to create store directory")
	}
	slog.Info("local_store_ready", "root", root)
	return &LocalStore{root: root, validator: validator}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	if err := s.validator.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes r to key through a temporary file, so readers never see a
// partial blob
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (*PutResult, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create blob directory")
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		slog.Error("local_file_creation_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Error("local_put_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to write blob")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.Rename(tmp, path); err != nil {
		return nil, errors.Wrap(err, "failed to commit blob")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("local_put_complete", "key", key, "size", size, "sha256", checksum[:16]+"...")

	return &PutResult{Key: key, SHA256: checksum, Size: size}, nil
}

// Open opens the blob at key
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open blob")
	}
	return f, nil
}

// Delete removes the blob at key. Missing blobs are not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("local_delete_failed", "key", key, "error", err)
		return errors.Wrap(err, "failed to delete blob")
	}
	slog.Info("local_blob_deleted", "key", key)
	return nil
}

// List returns the keys under prefix in lexical order
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		slog.Error("local_list_failed", "prefix", prefix, "error", err)
		return nil, errors.Wrap(err, "failed to list blobs")
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists checks if a blob exists at key
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to stat blob")
	}
	return true, nil
}
