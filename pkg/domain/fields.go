package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"bookclub/internal/validator"
)

// UpdatableFields is the allow-list for PATCH and PUT book edits.
var UpdatableFields = []string{
	"title", "author", "genre", "description", "status",
	"rating", "coverImage", "publicationYear", "totalPages", "isbn",
}

// creatableFields extends UpdatableFields with fields only settable at creation.
var creatableFields = []string{
	"title", "author", "genre", "description", "status",
	"rating", "coverImage", "publicationYear", "totalPages", "isbn",
	"language", "publisher", "tags",
}

var (
	isbnRX       = regexp.MustCompile(`(?i)^(97[89])?\d{9}[\dX]$`)
	isbnStripRX  = regexp.MustCompile(`[-\s]`)
	coverImageRX = regexp.MustCompile(`(?i)^https?://.+\.(jpg|jpeg|png|gif|webp)$`)
)

// typeMessages is reported when a value has the wrong JSON type.
var typeMessages = map[string]string{
	"title":           "Title must be a string",
	"author":          "Author must be a string",
	"genre":           "Genre must be a string",
	"description":     "Description must be a string",
	"status":          "Status must be a string",
	"rating":          "Rating must be between 0 and 5",
	"coverImage":      "Cover image must be a valid image URL",
	"publicationYear": "Publication year must be a valid year",
	"totalPages":      "Total pages must be a positive number",
	"isbn":            "ISBN must be a string",
	"language":        "Language must be a string",
	"publisher":       "Publisher must be a string",
	"tags":            "Tags must be a list of strings",
}

// IsUpdatableField reports whether name is on the edit allow-list.
func IsUpdatableField(name string) bool {
	return validator.In(name, UpdatableFields...)
}

// DisallowedFields returns the sorted keys of fields outside the edit allow-list.
func DisallowedFields(fields map[string]json.RawMessage) []string {
	var out []string
	for name := range fields {
		if !IsUpdatableField(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// StripISBN removes hyphens and whitespace from an ISBN.
func StripISBN(isbn string) string {
	return isbnStripRX.ReplaceAllString(isbn, "")
}

// NewBook builds a validated book from a JSON object. Unknown keys are ignored.
func NewBook(id string, fields map[string]json.RawMessage, now time.Time) (Book, error) {
	b := Book{
		ID:        id,
		Status:    StatusAvailable,
		Language:  "English",
		CreatedAt: now,
		UpdatedAt: now,
	}
	v := validator.New()
	for _, name := range creatableFields {
		if raw, ok := fields[name]; ok {
			b.setField(v, name, raw)
		}
	}
	b.normalize()
	b.validate(v, now)
	if err := NewValidationError(v.Errors); err != nil {
		return Book{}, err
	}
	if b.Status == StatusCheckedOut {
		return Book{}, ErrCheckoutViaEdit
	}
	return b, nil
}

// ApplyUpdates edits allow-listed fields in place. Moving a book into
// checked_out is refused; moving it out clears the checkout record.
func (b *Book) ApplyUpdates(fields map[string]json.RawMessage, now time.Time) error {
	v := validator.New()
	for _, name := range DisallowedFields(fields) {
		v.AddError(name, "Field cannot be updated")
	}
	if err := NewValidationError(v.Errors); err != nil {
		return err
	}
	prev := b.Status
	for _, name := range UpdatableFields {
		if raw, ok := fields[name]; ok {
			b.setField(v, name, raw)
		}
	}
	b.normalize()
	b.validate(v, now)
	if err := NewValidationError(v.Errors); err != nil {
		return err
	}
	if b.Status == StatusCheckedOut && prev != StatusCheckedOut {
		return ErrCheckoutViaEdit
	}
	if prev == StatusCheckedOut && b.Status != StatusCheckedOut {
		b.clearCheckout()
	}
	b.UpdatedAt = now
	return nil
}

func (b *Book) setField(v *validator.Validator, name string, raw json.RawMessage) {
	switch name {
	case "title":
		decodeString(v, name, raw, &b.Title)
	case "author":
		decodeString(v, name, raw, &b.Author)
	case "genre":
		decodeString(v, name, raw, &b.Genre)
	case "description":
		decodeString(v, name, raw, &b.Description)
	case "isbn":
		decodeString(v, name, raw, &b.ISBN)
	case "coverImage":
		decodeString(v, name, raw, &b.CoverImage)
	case "language":
		decodeString(v, name, raw, &b.Language)
	case "publisher":
		decodeString(v, name, raw, &b.Publisher)
	case "status":
		var s string
		if !decodeString(v, name, raw, &s) {
			return
		}
		status, ok := ParseBookStatus(s)
		if !ok {
			v.AddError(name, "Status must be one of: available, checked_out, reserved, maintenance")
			return
		}
		b.Status = status
	case "rating":
		if n, ok := decodeNumber(v, name, raw); ok {
			b.Rating = n
		}
	case "publicationYear":
		if n, ok := decodeInt(v, name, raw); ok {
			b.PublicationYear = n
		}
	case "totalPages":
		if n, ok := decodeInt(v, name, raw); ok {
			b.TotalPages = n
		}
	case "tags":
		if isNull(raw) {
			b.Tags = nil
			return
		}
		var tags []string
		if err := json.Unmarshal(raw, &tags); err != nil {
			v.AddError(name, typeMessages[name])
			return
		}
		b.Tags = tags
	}
}

func (b *Book) normalize() {
	b.Title = strings.TrimSpace(b.Title)
	b.Author = strings.TrimSpace(b.Author)
	b.Genre = strings.TrimSpace(b.Genre)
	b.Description = strings.TrimSpace(b.Description)
	b.ISBN = strings.TrimSpace(b.ISBN)
	b.CoverImage = strings.TrimSpace(b.CoverImage)
	b.Publisher = strings.TrimSpace(b.Publisher)
	b.Language = strings.TrimSpace(b.Language)
	if b.Language == "" {
		b.Language = "English"
	}
	if b.Status == "" {
		b.Status = StatusAvailable
	}
	tags := make([]string, 0, len(b.Tags))
	for _, tag := range b.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	b.Tags = tags
}

func (b Book) validate(v *validator.Validator, now time.Time) {
	v.Check(validator.NotBlank(b.Title), "title", "Title is required")
	v.Check(validator.MaxChars(b.Title, 200), "title", "Title cannot exceed 200 characters")
	v.Check(validator.NotBlank(b.Author), "author", "Author is required")
	v.Check(validator.MaxChars(b.Author, 100), "author", "Author name cannot exceed 100 characters")
	v.Check(validator.NotBlank(b.Genre), "genre", "Genre is required")
	v.Check(validator.MaxChars(b.Genre, 50), "genre", "Genre cannot exceed 50 characters")
	v.Check(validator.NotBlank(b.Description), "description", "Description is required")
	v.Check(validator.MaxChars(b.Description, 1000), "description", "Description cannot exceed 1000 characters")
	v.Check(b.PublicationYear >= 1000 && b.PublicationYear <= now.Year()+5, "publicationYear", "Publication year must be a valid year")
	v.Check(b.TotalPages >= 1, "totalPages", "Total pages must be a positive number")
	v.Check(validator.NotBlank(b.ISBN), "isbn", "ISBN is required")
	v.Check(validator.Matches(StripISBN(b.ISBN), isbnRX), "isbn", "Please enter a valid ISBN")
	v.Check(b.Rating >= 0 && b.Rating <= 5, "rating", "Rating must be between 0 and 5")
	if b.CoverImage != "" {
		v.Check(validator.Matches(b.CoverImage, coverImageRX), "coverImage", "Cover image must be a valid image URL")
	}
	v.Check(validator.MaxChars(b.Language, 30), "language", "Language cannot exceed 30 characters")
	v.Check(validator.MaxChars(b.Publisher, 100), "publisher", "Publisher name cannot exceed 100 characters")
	for _, tag := range b.Tags {
		v.Check(validator.MaxChars(tag, 30), "tags", "Tags cannot exceed 30 characters")
	}
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeString treats null as the empty string.
func decodeString(v *validator.Validator, name string, raw json.RawMessage, dst *string) bool {
	if isNull(raw) {
		*dst = ""
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		v.AddError(name, typeMessages[name])
		return false
	}
	*dst = s
	return true
}

// decodeNumber accepts a JSON number or a numeric string.
func decodeNumber(v *validator.Validator, name string, raw json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	v.AddError(name, typeMessages[name])
	return 0, false
}

func decodeInt(v *validator.Validator, name string, raw json.RawMessage) (int, bool) {
	n, ok := decodeNumber(v, name, raw)
	if !ok {
		return 0, false
	}
	if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
		v.AddError(name, typeMessages[name])
		return 0, false
	}
	return int(n), true
}
