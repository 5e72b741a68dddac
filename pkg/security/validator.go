package security

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/lob-engine/console/pkg/errors"
)

// ErrRejected marks input refused by the validator.
var ErrRejected = errors.New("security: rejected")

// Validator provides security validation for uploaded snapshots and the
// storage keys they are written under
type Validator struct {
	maxSize             int64
	maxCompressionRatio float64
}

// NewValidator creates a new security validator
func NewValidator(maxSize int64, maxCompressionRatio float64) *Validator {
	slog.Info("security_validator_init",
		"max_snapshot_size_mb", maxSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxSize:             maxSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// MaxSize returns the largest accepted snapshot in bytes.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// ValidateKey checks a storage key for path traversal
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		slog.Error("security_key_validation_failed", "reason", "empty_key")
		return fmt.Errorf("%w: empty key", ErrRejected)
	}

	// Reject absolute paths
	if filepath.IsAbs(key) || strings.HasPrefix(key, "/") {
		slog.Error("security_key_validation_failed", "key", key, "reason", "absolute_path")
		return fmt.Errorf("%w: absolute path not allowed: %s", ErrRejected, key)
	}

	// Reject keys that escape the store root once cleaned
	clean := filepath.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_key_validation_failed", "key", key, "reason", "path_traversal")
		return fmt.Errorf("%w: path traversal detected: %s", ErrRejected, key)
	}

	return nil
}

// SanitizeFileName reduces a client supplied file name to its base name so
// it can be recorded and echoed back safely.
func (v *Validator) SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// ValidateSize checks if a snapshot exceeds max size
func (v *Validator) ValidateSize(size int64) error {
	if size <= 0 {
		slog.Error("security_snapshot_empty", "size", size)
		return fmt.Errorf("%w: empty snapshot", ErrRejected)
	}
	if size > v.maxSize {
		slog.Error("security_snapshot_size_exceeded",
			"size_mb", size/1024/1024,
			"max_size_mb", v.maxSize/1024/1024)
		return fmt.Errorf("%w: snapshot size %d exceeds max %d", ErrRejected, size, v.maxSize)
	}
	return nil
}

// ValidateCompressionRatio checks for compression bombs
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("%w: compressed size cannot be zero", ErrRejected)
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)

	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return fmt.Errorf("%w: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ErrRejected, ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}

	slog.Debug("security_compression_validated", "ratio", ratio, "compressed_mb", compressedSize/1024/1024, "uncompressed_mb", uncompressedSize/1024/1024)
	return nil
}

// ReadAll reads r up to the size limit. Input larger than the limit is
// rejected without being buffered in full.
func (v *Validator) ReadAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, v.maxSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot")
	}
	if err := v.ValidateSize(int64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}
