package app

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"bookclub/internal/util"
	"bookclub/internal/validator"
	"bookclub/pkg/domain"
	"bookclub/pkg/events"
)

var coverExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// CheckOut lends an available book to userID. A nil due date means now plus
// the configured loan period.
func (a *App) CheckOut(ctx context.Context, id, userID string, due *time.Time) (domain.Book, error) {
	if !util.ValidID(id) {
		return domain.Book{}, domain.ErrInvalidBookID
	}
	now := a.now().UTC()
	dueDate := now.Add(a.loanPeriodOrDefault())
	if due != nil {
		if !due.After(now) {
			return domain.Book{}, domain.FieldError("dueDate", "Due date must be in the future")
		}
		dueDate = due.UTC()
	}
	b, err := a.loadBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if _, err := a.Profile(ctx, userID); err != nil {
		return domain.Book{}, err
	}
	if err := b.CheckOut(userID, &dueDate, now); err != nil {
		return domain.Book{}, err
	}
	ok, err := a.store.CheckOutBook(ctx, id, userID, now, dueDate)
	if err != nil {
		return domain.Book{}, fmt.Errorf("check out book: %w", err)
	}
	if !ok {
		// Another request changed the row since it was read.
		if _, err := a.loadBook(ctx, id); err != nil {
			return domain.Book{}, err
		}
		return domain.Book{}, domain.ErrBookNotAvailable
	}
	a.publish(ctx, events.Event{
		Type:   events.TypeBookCheckedOut,
		BookID: id,
		UserID: userID,
		Data:   map[string]any{"dueDate": dueDate},
	})
	return a.GetBook(ctx, id)
}

// Return hands a book back. Only the current holder may return it.
func (a *App) Return(ctx context.Context, id, userID string) (domain.Book, error) {
	now := a.now().UTC()
	b, err := a.loadBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if err := b.Return(userID, now); err != nil {
		return domain.Book{}, err
	}
	ok, err := a.store.ReturnBook(ctx, id, userID, now)
	if err != nil {
		return domain.Book{}, fmt.Errorf("return book: %w", err)
	}
	if !ok {
		current, err := a.loadBook(ctx, id)
		if err != nil {
			return domain.Book{}, err
		}
		if err := current.Return(userID, now); err != nil {
			return domain.Book{}, err
		}
		return domain.Book{}, domain.ErrBookNotCheckedOut
	}
	a.publish(ctx, events.Event{Type: events.TypeBookReturned, BookID: id, UserID: userID})
	return a.GetBook(ctx, id)
}

// AddReview stores userID's review of a book, replacing any earlier one, and
// returns the updated book with the stored review.
func (a *App) AddReview(ctx context.Context, id, userID string, rating float64, comment string) (domain.Book, domain.Review, error) {
	if !util.ValidID(id) {
		return domain.Book{}, domain.Review{}, domain.ErrInvalidBookID
	}
	r, err := domain.NewReview(util.NewID(), userID, rating, comment, a.now().UTC())
	if err != nil {
		return domain.Book{}, domain.Review{}, err
	}
	if _, err := a.loadBook(ctx, id); err != nil {
		return domain.Book{}, domain.Review{}, err
	}
	if _, err := a.Profile(ctx, userID); err != nil {
		return domain.Book{}, domain.Review{}, err
	}
	ok, err := a.store.UpsertReview(ctx, id, r)
	if err != nil {
		return domain.Book{}, domain.Review{}, fmt.Errorf("save review: %w", err)
	}
	if !ok {
		return domain.Book{}, domain.Review{}, domain.ErrBookNotFound
	}
	a.publish(ctx, events.Event{
		Type:   events.TypeBookReviewed,
		BookID: id,
		UserID: userID,
		Data:   map[string]any{"rating": r.Rating},
	})
	b, err := a.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, domain.Review{}, err
	}
	if populated, ok := b.ReviewBy(userID); ok {
		r = populated
	}
	return b, r, nil
}

// UploadCover stores an image under the book's cover prefix and points
// coverImage at its public URL.
func (a *App) UploadCover(ctx context.Context, id, filename string, r io.Reader, size int64, contentType string) (domain.Book, error) {
	if !util.ValidID(id) {
		return domain.Book{}, domain.ErrInvalidBookID
	}
	ext := strings.ToLower(path.Ext(filename))
	v := validator.New()
	v.Check(validator.In(ext, coverExtensions...), "cover", "Cover image must be a jpg, jpeg, png, gif or webp file")
	v.Check(size > 0, "cover", "Cover image is empty")
	v.Check(size <= a.coverMaxBytes, "cover", fmt.Sprintf("Cover image cannot exceed %d bytes", a.coverMaxBytes))
	if err := domain.NewValidationError(v.Errors); err != nil {
		return domain.Book{}, err
	}
	if _, err := a.loadBook(ctx, id); err != nil {
		return domain.Book{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := coverPrefix(id) + util.NewID() + ext
	if err := a.objects.Put(ctx, key, io.LimitReader(r, size), size, contentType); err != nil {
		return domain.Book{}, fmt.Errorf("store cover: %w", err)
	}
	coverURL := a.objects.URL(key)
	now := a.now().UTC()
	var previous string
	err := a.mutateBook(ctx, id, func(b *domain.Book) error {
		previous = b.CoverImage
		b.CoverImage = coverURL
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		a.removeCover(ctx, key)
		return domain.Book{}, err
	}
	if oldKey, ok := a.coverKey(id, previous); ok && oldKey != key {
		a.removeCover(ctx, oldKey)
	}
	return a.GetBook(ctx, id)
}

// coverKey recovers the object key of a cover previously uploaded for the
// book. External cover URLs are not ours to delete.
func (a *App) coverKey(bookID, coverURL string) (string, bool) {
	key, ok := strings.CutPrefix(coverURL, a.objects.URL(""))
	if !ok || !strings.HasPrefix(key, coverPrefix(bookID)) {
		return "", false
	}
	return key, true
}

func (a *App) removeCover(ctx context.Context, key string) {
	if err := a.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		util.LoggerFromContext(ctx).Warn("cover cleanup failed", "key", key, "err", err)
	}
}

func (a *App) loanPeriodOrDefault() time.Duration {
	if a.loanPeriod > 0 {
		return a.loanPeriod
	}
	return domain.DefaultLoanPeriod
}

func coverPrefix(bookID string) string {
	return "covers/" + bookID + "/"
}
