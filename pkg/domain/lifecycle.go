package domain

import (
	"math"
	"strings"
	"time"

	"bookclub/internal/validator"
)

// DefaultLoanPeriod applies when a checkout does not name a due date.
const DefaultLoanPeriod = 14 * 24 * time.Hour

const maxCommentChars = 500

// CheckOut moves an available book to checked_out for userID.
// A nil due date means now plus DefaultLoanPeriod.
func (b *Book) CheckOut(userID string, due *time.Time, now time.Time) error {
	if b.Status != StatusAvailable {
		return ErrBookNotAvailable
	}
	dueDate := now.Add(DefaultLoanPeriod)
	if due != nil {
		dueDate = *due
	}
	checkedOut := now
	b.Status = StatusCheckedOut
	b.CheckedOutBy = &UserRef{ID: userID}
	b.CheckedOutDate = &checkedOut
	b.DueDate = &dueDate
	b.UpdatedAt = now
	return nil
}

// Return hands a checked-out book back. Only the holder may return it.
func (b *Book) Return(userID string, now time.Time) error {
	if b.Status != StatusCheckedOut {
		return ErrBookNotCheckedOut
	}
	if b.CheckedOutBy == nil || b.CheckedOutBy.ID != userID {
		return ErrNotBookHolder
	}
	b.Status = StatusAvailable
	b.clearCheckout()
	b.UpdatedAt = now
	return nil
}

// HeldBy reports whether userID currently holds the book.
func (b Book) HeldBy(userID string) bool {
	return b.Status == StatusCheckedOut && b.CheckedOutBy != nil && b.CheckedOutBy.ID == userID
}

func (b *Book) clearCheckout() {
	b.CheckedOutBy = nil
	b.CheckedOutDate = nil
	b.DueDate = nil
}

// NewReview validates a review submission. rating must be a whole number
// between 1 and 5.
func NewReview(id, userID string, rating float64, comment string, now time.Time) (Review, error) {
	comment = strings.TrimSpace(comment)
	v := validator.New()
	v.Check(rating == math.Trunc(rating) && rating >= 1 && rating <= 5, "rating", "Rating must be between 1 and 5")
	v.Check(validator.MaxChars(comment, maxCommentChars), "comment", "Comment cannot exceed 500 characters")
	if err := NewValidationError(v.Errors); err != nil {
		return Review{}, err
	}
	return Review{
		ID:         id,
		User:       UserRef{ID: userID},
		Rating:     int(rating),
		Comment:    comment,
		ReviewDate: now,
	}, nil
}

// AddReview stores r as the reviewer's only review, placed last.
func (b *Book) AddReview(r Review) {
	kept := make([]Review, 0, len(b.Reviews)+1)
	for _, existing := range b.Reviews {
		if existing.User.ID != r.User.ID {
			kept = append(kept, existing)
		}
	}
	b.Reviews = append(kept, r)
	b.UpdatedAt = r.ReviewDate
}

// ReviewBy returns the review written by userID, if any.
func (b Book) ReviewBy(userID string) (Review, bool) {
	for _, r := range b.Reviews {
		if r.User.ID == userID {
			return r, true
		}
	}
	return Review{}, false
}
