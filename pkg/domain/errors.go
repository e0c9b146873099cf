package domain

import (
	"errors"
	"sort"
	"strings"
)

// Error kinds. Every error returned by the book club core matches exactly
// one of these with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidState      = errors.New("invalid state")
	ErrNotOwner          = errors.New("not owner")
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrInvalidCredential = errors.New("invalid credential")
)

// Error carries a client-facing message for one of the error kinds.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

var (
	ErrBookNotFound      = &Error{Kind: ErrNotFound, Message: "Book not found"}
	ErrUserNotFound      = &Error{Kind: ErrNotFound, Message: "User not found"}
	ErrInvalidBookID     = &Error{Kind: ErrInvalidID, Message: "Invalid book ID format"}
	ErrBookNotAvailable  = &Error{Kind: ErrInvalidState, Message: "Book is not available for checkout"}
	ErrBookNotCheckedOut = &Error{Kind: ErrInvalidState, Message: "Book is not currently checked out"}
	ErrCheckoutViaEdit   = &Error{Kind: ErrInvalidState, Message: "Books can only be checked out through the checkout endpoint"}
	ErrNotBookHolder     = &Error{Kind: ErrNotOwner, Message: "This book was not checked out by the specified user"}
	ErrDuplicateISBN     = &Error{Kind: ErrDuplicateKey, Message: "A book with this ISBN already exists"}
	ErrDuplicateEmail    = &Error{Kind: ErrDuplicateKey, Message: "User already exists with this email"}
	ErrEmailTaken        = &Error{Kind: ErrDuplicateKey, Message: "Email already exists"}
	ErrInvalidLogin      = &Error{Kind: ErrInvalidCredential, Message: "Invalid email or password"}
	ErrWrongPassword     = &Error{Kind: ErrInvalidCredential, Message: "Current password is incorrect"}
)

// ValidationError lists per-field constraint failures.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError returns nil when fields is empty.
func NewValidationError(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// FieldError is a ValidationError for a single field.
func FieldError(field, message string) error {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return "Validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
