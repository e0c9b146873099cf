package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bookclub/internal/util"
	"bookclub/pkg/catalog"
	"bookclub/pkg/domain"
	"bookclub/pkg/events"
)

// updateAttempts bounds optimistic-concurrency retries for field edits.
const updateAttempts = 3

// BookPage is one page of catalog results.
type BookPage struct {
	Books      []domain.Book
	Pagination catalog.Pagination
}

// ListBooks returns a filtered, sorted page of the catalog.
func (a *App) ListBooks(ctx context.Context, q catalog.Query) (BookPage, error) {
	books, total, err := a.store.FindBooks(ctx, q)
	if err != nil {
		return BookPage{}, fmt.Errorf("find books: %w", err)
	}
	if err := a.populateBooks(ctx, books); err != nil {
		return BookPage{}, err
	}
	return BookPage{
		Books:      books,
		Pagination: catalog.NewPagination(q.Page, q.Limit, total),
	}, nil
}

// SearchBooks runs a free-text search. q must come from
// catalog.ParseSearchQuery.
func (a *App) SearchBooks(ctx context.Context, q catalog.Query) (BookPage, error) {
	if strings.TrimSpace(q.Search) == "" {
		return BookPage{}, domain.FieldError("query", "Search query is required")
	}
	return a.ListBooks(ctx, q)
}

// GetBook returns a book with populated references.
func (a *App) GetBook(ctx context.Context, id string) (domain.Book, error) {
	b, err := a.loadBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if err := a.populate(ctx, &b); err != nil {
		return domain.Book{}, err
	}
	return b, nil
}

// CreateBook validates fields and stores a new available book.
func (a *App) CreateBook(ctx context.Context, fields map[string]json.RawMessage) (domain.Book, error) {
	b, err := domain.NewBook(util.NewID(), fields, a.now().UTC())
	if err != nil {
		return domain.Book{}, err
	}
	if err := a.store.CreateBook(ctx, b); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			return domain.Book{}, domain.ErrDuplicateISBN
		}
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	return b, nil
}

// UpdateBookField applies a single allow-listed field edit.
func (a *App) UpdateBookField(ctx context.Context, id, field string, value json.RawMessage) (domain.Book, error) {
	field = strings.TrimSpace(field)
	if !domain.IsUpdatableField(field) {
		return domain.Book{}, domain.FieldError("field", "Invalid field name")
	}
	return a.UpdateBookFields(ctx, id, map[string]json.RawMessage{field: value})
}

// UpdateBookFields applies allow-listed field edits. Disallowed keys reject
// the whole request before anything is written.
func (a *App) UpdateBookFields(ctx context.Context, id string, fields map[string]json.RawMessage) (domain.Book, error) {
	if !util.ValidID(id) {
		return domain.Book{}, domain.ErrInvalidBookID
	}
	if len(fields) == 0 {
		return domain.Book{}, domain.FieldError("body", "No fields to update")
	}
	now := a.now().UTC()
	err := a.mutateBook(ctx, id, func(b *domain.Book) error {
		return b.ApplyUpdates(fields, now)
	})
	if err != nil {
		return domain.Book{}, err
	}
	return a.GetBook(ctx, id)
}

// mutateBook applies fn to the current book and writes it back under the
// version check, retrying when another writer got there first.
func (a *App) mutateBook(ctx context.Context, id string, fn func(*domain.Book) error) error {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		b, err := a.loadBook(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(&b); err != nil {
			return err
		}
		ok, err := a.store.UpdateBook(ctx, b)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateKey) {
				return domain.ErrDuplicateISBN
			}
			return fmt.Errorf("update book: %w", err)
		}
		if ok {
			return nil
		}
	}
	if _, err := a.loadBook(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("update book %s: concurrent modification", id)
}

// DeleteBook removes a book, its reviews and its cover images.
func (a *App) DeleteBook(ctx context.Context, id string) error {
	if !util.ValidID(id) {
		return domain.ErrInvalidBookID
	}
	deleted, err := a.store.DeleteBook(ctx, id)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if !deleted {
		return domain.ErrBookNotFound
	}
	if err := a.objects.DeletePrefix(ctx, coverPrefix(id)); err != nil {
		util.LoggerFromContext(ctx).Warn("delete cover images failed", "book_id", id, "err", err)
	}
	a.publish(ctx, events.Event{Type: events.TypeBookDeleted, BookID: id})
	return nil
}

// ReadingList returns the books the user currently has checked out.
func (a *App) ReadingList(ctx context.Context, userID string) ([]domain.Book, error) {
	if _, err := a.Profile(ctx, userID); err != nil {
		return nil, err
	}
	books, err := a.store.ListBooksCheckedOutBy(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list checked out books: %w", err)
	}
	if err := a.populateBooks(ctx, books); err != nil {
		return nil, err
	}
	return books, nil
}

func (a *App) loadBook(ctx context.Context, id string) (domain.Book, error) {
	if !util.ValidID(id) {
		return domain.Book{}, domain.ErrInvalidBookID
	}
	b, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, domain.ErrBookNotFound
	}
	return b, nil
}
