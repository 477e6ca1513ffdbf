package vaultfs

import (
	"fmt"
	"strings"
)

const (
	// DefaultChunkSize is the default chunk size (64 KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size (64 bytes, for testing)
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024

	// MaxNameLength is the maximum length of one path component in bytes
	MaxNameLength = 255
)

// ValidateChunkSize validates that a chunk size is within acceptable bounds
func ValidateChunkSize(size int) error {
	if size < MinChunkSize {
		return &ValidationError{
			Field:   "chunk_size",
			Value:   size,
			Message: fmt.Sprintf("chunk size %d below minimum %d", size, MinChunkSize),
		}
	}
	if size > MaxChunkSize {
		return &ValidationError{
			Field:   "chunk_size",
			Value:   size,
			Message: fmt.Sprintf("chunk size %d above maximum %d", size, MaxChunkSize),
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateReadWrite checks common preconditions for read/write operations
func ValidateReadWrite(buf []byte, position int64) error {
	if buf == nil {
		return ErrNilBuffer
	}
	if position < 0 {
		return ErrNegativeOffset
	}
	return nil
}

// ValidateName checks a single path component
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidPath)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidPath, name)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidPath, MaxNameLength)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: name contains separator or NUL", ErrInvalidPath)
	}
	return nil
}

// SplitPath splits a '/'-separated vault path into validated components.
// The leading slash is optional and "/" is the root (no components). A
// single trailing slash is ignored.
func SplitPath(p string) ([]string, error) {
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return nil, nil
	}

	parts := strings.Split(p, "/")
	for _, part := range parts {
		if err := ValidateName(part); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// JoinPath is the inverse of SplitPath and always returns an absolute path
func JoinPath(parts ...string) string {
	return "/" + strings.Join(parts, "/")
}

// isWithin reports whether path b is a or lies below a
func isWithin(a, b []string) bool {
	if len(b) < len(a) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
