package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bookclub/internal/util"
	"bookclub/internal/validator"
	"bookclub/pkg/auth"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
)

const minNameChars = 2

// SignUp registers a new user and issues a token.
func (a *App) SignUp(ctx context.Context, name, email, password string) (domain.User, string, error) {
	name = strings.TrimSpace(name)
	email = domain.NormalizeEmail(email)
	v := validator.New()
	v.Check(validator.Matches(email, validator.EmailRX), "email", "Please provide a valid email")
	checkPassword(v, "password", password)
	v.Check(validator.MinChars(name, minNameChars), "name", "Name must be at least 2 characters long")
	if err := domain.NewValidationError(v.Errors); err != nil {
		return domain.User{}, "", err
	}

	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", domain.ErrDuplicateEmail
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			return domain.User{}, "", domain.ErrDuplicateEmail
		}
		return domain.User{}, "", fmt.Errorf("create user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID, user.Email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// CheckUser reports whether an account exists for email.
func (a *App) CheckUser(ctx context.Context, email string) (bool, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return false, nil
	}
	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return exists, nil
}

// Login validates credentials and issues a token. Unknown emails and wrong
// passwords fail identically.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = domain.NormalizeEmail(email)
	v := validator.New()
	v.Check(validator.Matches(email, validator.EmailRX), "email", "Please provide a valid email")
	v.Check(password != "", "password", "Password is required")
	if err := domain.NewValidationError(v.Errors); err != nil {
		return domain.User{}, "", err
	}

	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", domain.ErrInvalidLogin
	}
	token, err := a.sessions.NewSession(user.ID, user.Email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// Logout revokes the token until it would have expired.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// Authenticate resolves a bearer token to its session.
func (a *App) Authenticate(token string) (store.Session, error) {
	return a.sessions.GetSession(token)
}

// Profile returns the caller's account.
func (a *App) Profile(ctx context.Context, userID string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return user, nil
}

// ProfileUpdate carries the optional profile fields; nil leaves a field as is.
type ProfileUpdate struct {
	Name  *string
	Email *string
}

// UpdateProfile edits name and email. A new email must not belong to another
// account.
func (a *App) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (domain.User, error) {
	v := validator.New()
	var name, email string
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
		v.Check(validator.MinChars(name, minNameChars), "name", "Name must be at least 2 characters long")
	}
	if in.Email != nil {
		email = domain.NormalizeEmail(*in.Email)
		v.Check(validator.Matches(email, validator.EmailRX), "email", "Please provide a valid email")
	}
	if err := domain.NewValidationError(v.Errors); err != nil {
		return domain.User{}, err
	}

	user, err := a.Profile(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if in.Email != nil && email != user.Email {
		taken, err := a.store.HasUserEmail(ctx, email)
		if err != nil {
			return domain.User{}, fmt.Errorf("check email: %w", err)
		}
		if taken {
			return domain.User{}, domain.ErrEmailTaken
		}
		user.Email = email
	}
	if in.Name != nil {
		user.Name = name
	}
	user.UpdatedAt = a.now().UTC()
	if err := a.store.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			return domain.User{}, domain.ErrEmailTaken
		}
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// ChangePassword replaces the password after verifying the current one.
// Existing tokens stay valid.
func (a *App) ChangePassword(ctx context.Context, userID, current, next string) error {
	v := validator.New()
	v.Check(current != "", "currentPassword", "Current password is required")
	checkPassword(v, "newPassword", next)
	if err := domain.NewValidationError(v.Errors); err != nil {
		return err
	}
	user, err := a.Profile(ctx, userID)
	if err != nil {
		return err
	}
	if !auth.CheckPassword(current, user.PasswordHash) {
		return domain.ErrWrongPassword
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = a.now().UTC()
	if err := a.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// DeleteAccount removes the user and revokes the token used for the call.
// Books keep their references to the deleted user.
func (a *App) DeleteAccount(ctx context.Context, userID, token string) error {
	deleted, err := a.store.DeleteUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if !deleted {
		return domain.ErrUserNotFound
	}
	if err := a.sessions.DeleteSession(token); err != nil {
		util.LoggerFromContext(ctx).Warn("revoke token after account deletion failed", "user_id", userID, "err", err)
	}
	return nil
}

func checkPassword(v *validator.Validator, field, password string) {
	label := "Password"
	if field == "newPassword" {
		label = "New password"
	}
	switch err := auth.ValidatePassword(password); {
	case errors.Is(err, auth.ErrPasswordTooShort):
		v.AddError(field, label+" must be at least 6 characters long")
	case errors.Is(err, auth.ErrPasswordTooLong):
		v.AddError(field, label+" cannot exceed 72 bytes")
	case err != nil:
		v.AddError(field, "Invalid password")
	}
}
