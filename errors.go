package vaultfs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure that is not
// an authentication failure (bad key sizes, unavailable randomness).
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Path      string // Vault path, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a failure reported by the storage backend
type IOError struct {
	Operation string // "read", "write", "list", "remove", "rename", ...
	Name      string // Backend entry name
	Message   string // Human-readable error message
	Err       error  // Underlying backend error
}

func (e *IOError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("backend io error: %s %s: %s", e.Operation, e.Name, e.Message)
	}
	return fmt.Sprintf("backend io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents structurally invalid persisted data
type CorruptionError struct {
	Name    string // Backend entry name
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

// Unwrap always includes ErrVaultCorrupt
func (e *CorruptionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrVaultCorrupt, e.Err}
	}
	return []error{ErrVaultCorrupt}
}

// AuthenticationError is returned when ciphertext fails tag verification
type AuthenticationError struct {
	Path  string // Vault path
	Chunk int64  // Chunk index, -1 when the failure is not chunk specific
	Err   error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("authentication error: %s (chunk %d): %v", e.Path, e.Chunk, ErrAuthFailed)
	}
	if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %v", e.Path, ErrAuthFailed)
	}
	return fmt.Sprintf("authentication error: %v", ErrAuthFailed)
}

func (e *AuthenticationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrAuthFailed
}

// PathError records a failed namespace operation on a vault path
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// InitializationError is returned by Initialize
type InitializationError struct {
	Message string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization error: %s", e.Message)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// Sentinel errors. Typed errors above unwrap to one of these, so callers
// should match with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrNotADirectory      = errors.New("not a directory")
	ErrIsADirectory       = errors.New("is a directory")
	ErrNotEmpty           = errors.New("directory not empty")
	ErrParentNotFound     = errors.New("parent directory not found")
	ErrInvalidPath        = errors.New("invalid path")
	ErrAlreadyInitialized = errors.New("vault already initialized")
	ErrNotInitialized     = errors.New("vault not initialized")
	ErrVaultCorrupt       = errors.New("vault metadata corrupt")
	ErrUnsupportedScheme  = errors.New("unsupported cipher scheme")
	ErrUnsupportedVersion = errors.New("unsupported vault format version")
	ErrWrongKey           = errors.New("wrong master key")
	ErrKeyUnavailable     = errors.New("key material unavailable")
	ErrAuthFailed         = errors.New("authentication failed - data may be corrupted or tampered")
	ErrHandleClosed       = errors.New("handle closed")
	ErrBadHandleMode      = errors.New("operation not permitted in handle mode")
	ErrConflict           = errors.New("concurrent modification conflict")
	ErrNonceExhausted     = errors.New("chunk write counter exhausted")
	ErrInvalidKey         = errors.New("invalid encryption key")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilLoader          = errors.New("master key loader cannot be nil")
	ErrNilBackend         = errors.New("storage backend cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrNegativeOffset     = errors.New("negative offset not allowed")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, path string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Path:      path,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new backend I/O error
func NewIOError(operation, name string, err error) error {
	return &IOError{
		Operation: operation,
		Name:      name,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(name string, message string) error {
	return &CorruptionError{
		Name:    name,
		Message: message,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(path string, chunk int64) error {
	return &AuthenticationError{
		Path:  path,
		Chunk: chunk,
	}
}

func newPathError(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is a backend I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsPathError checks if an error is a path error
func IsPathError(err error) bool {
	var pe *PathError
	return errors.As(err, &pe)
}
