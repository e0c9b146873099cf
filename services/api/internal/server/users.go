package server

import (
	"errors"
	"net/http"

	"bookclub/pkg/domain"
	"bookclub/pkg/store"
	"bookclub/services/api/internal/app"
)

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type checkUserRequest struct {
	Email string `json:"email"`
}

type authResponse struct {
	Message string      `json:"message"`
	User    domain.User `json:"user"`
	Token   string      `json:"token"`
}

type updateProfileRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "Too many signup attempts, please try again later") {
		s.audit(r, "auth.signup", "rate_limited")
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.audit(r, "auth.signup", "fail", "reason", "invalid_json")
		writeInvalidJSON(w)
		return
	}
	user, token, err := s.app.SignUp(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.signup", "fail", "reason", failureReason(err))
		s.writeAppError(w, r, err, "Internal server error during signup")
		return
	}
	s.audit(r, "auth.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{
		Message: "User created successfully",
		User:    user,
		Token:   token,
	})
}

func (s *Server) handleCheckUser(w http.ResponseWriter, r *http.Request) {
	var req checkUserRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidJSON(w)
		return
	}
	exists, err := s.app.CheckUser(r.Context(), req.Email)
	if err != nil {
		s.writeAppError(w, r, err, "Internal server error while checking user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "Too many login attempts, please try again later") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.audit(r, "auth.login", "fail", "reason", "invalid_json")
		writeInvalidJSON(w)
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", failureReason(err))
		s.writeAppError(w, r, err, "Internal server error during login")
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{
		Message: "Login successful",
		User:    user,
		Token:   token,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess store.Session) {
	token, _ := bearerToken(r)
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "auth.logout", "fail", "user_id", sess.UserID)
		s.writeAppError(w, r, err, "Failed to log out")
		return
	}
	s.audit(r, "auth.logout", "success", "user_id", sess.UserID)
	writeError(w, http.StatusOK, "Logout successful. Please remove the token from client storage.")
}

// user handlers
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, sess store.Session) {
	user, err := s.app.Profile(r.Context(), sess.UserID)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to retrieve profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Profile retrieved successfully",
		"user":    user,
	})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, sess store.Session) {
	var req updateProfileRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidJSON(w)
		return
	}
	user, err := s.app.UpdateProfile(r.Context(), sess.UserID, app.ProfileUpdate{Name: req.Name, Email: req.Email})
	if err != nil {
		s.writeAppError(w, r, err, "Failed to update profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Profile updated successfully",
		"user":    user,
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, sess store.Session) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidJSON(w)
		return
	}
	if err := s.app.ChangePassword(r.Context(), sess.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "auth.password.change", "fail", "user_id", sess.UserID, "reason", failureReason(err))
		s.writeAppError(w, r, err, "Failed to change password")
		return
	}
	s.audit(r, "auth.password.change", "success", "user_id", sess.UserID)
	writeError(w, http.StatusOK, "Password changed successfully")
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, sess store.Session) {
	token, _ := bearerToken(r)
	if err := s.app.DeleteAccount(r.Context(), sess.UserID, token); err != nil {
		s.writeAppError(w, r, err, "Failed to delete account")
		return
	}
	s.audit(r, "auth.account.delete", "success", "user_id", sess.UserID)
	writeError(w, http.StatusOK, "Account deleted successfully")
}

func (s *Server) handleReadingList(w http.ResponseWriter, r *http.Request, sess store.Session) {
	books, err := s.app.ReadingList(r.Context(), sess.UserID)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to retrieve reading list")
		return
	}
	books = nonNilBooks(books)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Reading list retrieved successfully",
		"books":   books,
		"count":   len(books),
	})
}

// failureReason names an auth failure for the audit log without echoing
// user input.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrInvalidCredential):
		return "invalid_credentials"
	case errors.Is(err, domain.ErrDuplicateKey):
		return "duplicate_email"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
