package domain

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

type BookStatus string

const (
	StatusAvailable   BookStatus = "available"
	StatusCheckedOut  BookStatus = "checked_out"
	StatusReserved    BookStatus = "reserved"
	StatusMaintenance BookStatus = "maintenance"
)

// BookStatuses lists every valid status in declaration order.
var BookStatuses = []BookStatus{StatusAvailable, StatusCheckedOut, StatusReserved, StatusMaintenance}

// ParseBookStatus accepts a status name in any case.
func ParseBookStatus(raw string) (BookStatus, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, s := range BookStatuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// UserRef is a weak reference to a user, populated with display fields
// when the user still exists.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type Review struct {
	ID         string    `json:"id"`
	User       UserRef   `json:"user"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	ReviewDate time.Time `json:"reviewDate"`
}

type Book struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Author          string     `json:"author"`
	Genre           string     `json:"genre"`
	PublicationYear int        `json:"publicationYear"`
	Description     string     `json:"description"`
	Status          BookStatus `json:"status"`
	Rating          float64    `json:"rating"`
	TotalPages      int        `json:"totalPages"`
	ISBN            string     `json:"isbn"`
	CoverImage      string     `json:"coverImage,omitempty"`
	Language        string     `json:"language"`
	Publisher       string     `json:"publisher,omitempty"`
	Tags            []string   `json:"tags"`
	CheckedOutBy    *UserRef   `json:"checkedOutBy"`
	CheckedOutDate  *time.Time `json:"checkedOutDate"`
	DueDate         *time.Time `json:"dueDate"`
	Reviews         []Review   `json:"reviews"`
	Version         int        `json:"-"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// AverageRating is the mean review rating rounded to one decimal, or the
// stored rating when the book has no reviews.
func (b Book) AverageRating() float64 {
	if len(b.Reviews) == 0 {
		return b.Rating
	}
	sum := 0
	for _, r := range b.Reviews {
		sum += r.Rating
	}
	return math.Round(float64(sum)/float64(len(b.Reviews))*10) / 10
}

func (b Book) ReviewCount() int {
	return len(b.Reviews)
}

func (b Book) IsAvailable() bool {
	return b.Status == StatusAvailable
}

// MarshalJSON adds the derived fields to the wire representation.
func (b Book) MarshalJSON() ([]byte, error) {
	type bookFields Book
	out := struct {
		bookFields
		AverageRating float64 `json:"averageRating"`
		ReviewCount   int     `json:"reviewCount"`
		IsAvailable   bool    `json:"isAvailable"`
	}{
		bookFields:    bookFields(b),
		AverageRating: b.AverageRating(),
		ReviewCount:   b.ReviewCount(),
		IsAvailable:   b.IsAvailable(),
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if out.Reviews == nil {
		out.Reviews = []Review{}
	}
	return json.Marshal(out)
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Ref returns the populated reference form of the user.
func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
