package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookclub/pkg/catalog"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
)

type patchBookRequest struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type checkOutRequest struct {
	DueDate *string `json:"dueDate"`
}

type reviewRequest struct {
	Rating  json.RawMessage `json:"rating"`
	Comment string          `json:"comment"`
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	q, err := catalog.ParseListQuery(r.URL.Query())
	if err != nil {
		s.writeAppError(w, r, err, "Failed to retrieve books")
		return
	}
	page, err := s.app.ListBooks(r.Context(), q)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to retrieve books")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Books retrieved successfully",
		"books":      nonNilBooks(page.Books),
		"pagination": page.Pagination,
	})
}

func (s *Server) handleSearchBooks(w http.ResponseWriter, r *http.Request) {
	term := r.PathValue("query")
	q, err := catalog.ParseSearchQuery(term, r.URL.Query())
	if err != nil {
		s.writeAppError(w, r, err, "Failed to search books")
		return
	}
	page, err := s.app.SearchBooks(r.Context(), q)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to search books")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Books search completed successfully",
		"books":       nonNilBooks(page.Books),
		"pagination":  page.Pagination,
		"searchQuery": term,
	})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	b, err := s.app.GetBook(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err, "Failed to retrieve book")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Book retrieved successfully",
		"book":    b,
	})
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var fields map[string]json.RawMessage
	if err := decodeJSON(r, &fields, false); err != nil {
		writeInvalidJSON(w)
		return
	}
	b, err := s.app.CreateBook(r.Context(), fields)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to create book")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Book created successfully",
		"book":    b,
	})
}

func (s *Server) handlePatchBook(w http.ResponseWriter, r *http.Request) {
	var req patchBookRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidJSON(w)
		return
	}
	field := strings.TrimSpace(req.Field)
	errs := map[string]string{}
	if field == "" {
		errs["field"] = "Field name is required"
	}
	if isEmptyValue(req.Value) {
		errs["value"] = "Field value is required"
	}
	if len(errs) > 0 {
		s.writeAppError(w, r, domain.NewValidationError(errs), "Failed to update book")
		return
	}
	if !domain.IsUpdatableField(field) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message":       "Invalid field name",
			"allowedFields": domain.UpdatableFields,
		})
		return
	}
	b, err := s.app.UpdateBookField(r.Context(), r.PathValue("id"), field, req.Value)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to update book")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Book updated successfully",
		"book":         b,
		"updatedField": field,
	})
}

func (s *Server) handlePutBook(w http.ResponseWriter, r *http.Request) {
	var fields map[string]json.RawMessage
	if err := decodeJSON(r, &fields, false); err != nil {
		writeInvalidJSON(w)
		return
	}
	if invalid := domain.DisallowedFields(fields); len(invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message":       "Invalid field names provided",
			"invalidFields": invalid,
			"allowedFields": domain.UpdatableFields,
		})
		return
	}
	b, err := s.app.UpdateBookFields(r.Context(), r.PathValue("id"), fields)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to update book")
		return
	}
	updated := make([]string, 0, len(fields))
	for _, name := range domain.UpdatableFields {
		if _, ok := fields[name]; ok {
			updated = append(updated, name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Book updated successfully",
		"book":          b,
		"updatedFields": updated,
	})
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteBook(r.Context(), r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err, "Failed to delete book")
		return
	}
	writeError(w, http.StatusOK, "Book deleted successfully")
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request, sess store.Session) {
	var req checkOutRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeInvalidJSON(w)
		return
	}
	var due *time.Time
	if req.DueDate != nil && strings.TrimSpace(*req.DueDate) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.DueDate))
		if err != nil {
			s.writeAppError(w, r, domain.FieldError("dueDate", "Due date must be an RFC 3339 timestamp"), "Failed to check out book")
			return
		}
		due = &parsed
	}
	b, err := s.app.CheckOut(r.Context(), r.PathValue("id"), sess.UserID, due)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to check out book")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Book checked out successfully",
		"book":    b,
	})
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request, sess store.Session) {
	b, err := s.app.Return(r.Context(), r.PathValue("id"), sess.UserID)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to return book")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Book returned successfully",
		"book":    b,
	})
}

func (s *Server) handleAddReview(w http.ResponseWriter, r *http.Request, sess store.Session) {
	var req reviewRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidJSON(w)
		return
	}
	rating, ok := parseRating(req.Rating)
	if !ok {
		s.writeAppError(w, r, domain.FieldError("rating", "Rating must be between 1 and 5"), "Failed to add review")
		return
	}
	b, review, err := s.app.AddReview(r.Context(), r.PathValue("id"), sess.UserID, rating, req.Comment)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to add review")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Review added successfully",
		"book":    b,
		"review":  review,
	})
}

func (s *Server) handleUploadCover(w http.ResponseWriter, r *http.Request, _ store.Session) {
	maxBytes := s.app.CoverMaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+maxJSONBytes)
	if err := r.ParseMultipartForm(maxJSONBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Cover image is too large")
			return
		}
		s.writeAppError(w, r, domain.FieldError("cover", "Cover image file is required"), "Failed to upload cover")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("cover")
	if err != nil {
		s.writeAppError(w, r, domain.FieldError("cover", "Cover image file is required"), "Failed to upload cover")
		return
	}
	defer file.Close()
	b, err := s.app.UploadCover(r.Context(), r.PathValue("id"), header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		s.writeAppError(w, r, err, "Failed to upload cover")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Cover image uploaded successfully",
		"book":    b,
	})
}

// parseRating accepts a JSON number or a numeric string.
func parseRating(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	return n, err == nil
}

func isEmptyValue(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte(`""`))
}

func nonNilBooks(books []domain.Book) []domain.Book {
	if books == nil {
		return []domain.Book{}
	}
	return books
}
