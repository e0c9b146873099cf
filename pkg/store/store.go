package store

import (
	"context"
	"time"

	"bookclub/pkg/catalog"
	"bookclub/pkg/domain"
)

// Store defines persistence for users, books and reviews.
//
// Lookups return (value, found, err). Conditional writes return whether the
// row matched its precondition; a false result with a nil error means the
// row was missing or no longer in the expected state. Books returned by the
// store carry ID-only user references.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	UpdateUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error)
	DeleteUser(ctx context.Context, id string) (bool, error)

	// books
	CreateBook(ctx context.Context, b domain.Book) error
	// UpdateBook writes b if the stored version still equals b.Version.
	UpdateBook(ctx context.Context, b domain.Book) (bool, error)
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	FindBooks(ctx context.Context, q catalog.Query) ([]domain.Book, int, error)
	ListBooksCheckedOutBy(ctx context.Context, userID string) ([]domain.Book, error)
	DeleteBook(ctx context.Context, id string) (bool, error)

	// lifecycle
	CheckOutBook(ctx context.Context, id, userID string, at, due time.Time) (bool, error)
	ReturnBook(ctx context.Context, id, userID string, at time.Time) (bool, error)
	UpsertReview(ctx context.Context, bookID string, r domain.Review) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Session carries the identity encoded in a bearer token.
type Session struct {
	UserID string
	Email  string
}

// SessionStore issues and validates bearer tokens.
type SessionStore interface {
	NewSession(userID, email string) (string, error)
	GetSession(token string) (Session, error)
	DeleteSession(token string) error
}

var (
	_ Store        = (*GormStore)(nil)
	_ Store        = (*MemoryStore)(nil)
	_ SessionStore = (*JWTSessionStore)(nil)
)
