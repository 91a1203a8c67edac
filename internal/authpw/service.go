// Package authpw provides email/password accounts backed by bcrypt hashes.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"studiodesk/api/internal/rbac"
	"studiodesk/api/internal/store"
	"studiodesk/api/internal/util"
)

const minPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrInvalidEmail       = errors.New("email is not valid")
)

// CredentialStore is the slice of the row store auth needs.
type CredentialStore interface {
	GetCredentialByEmail(ctx context.Context, email string) (store.Credential, error)
	CreateAccount(ctx context.Context, user store.User, passwordHash string) error
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
}

type Service struct {
	store CredentialStore
	cost  int
}

func NewService(store CredentialStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

type SignUpRequest struct {
	Email    string
	Password string
	Name     string
}

// Account identifies a signed-in user.
type Account struct {
	UserID string
	Email  string
}

// SignUp registers a credential. An invited (pending) user keeps their
// existing profile row and becomes active.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (Account, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return Account{}, err
	}
	if len(req.Password) < minPasswordLength {
		return Account{}, ErrWeakPassword
	}

	if _, err := s.store.GetCredentialByEmail(ctx, email); err == nil {
		return Account{}, ErrEmailTaken
	} else if !store.IsNotFound(err) {
		return Account{}, fmt.Errorf("lookup credential: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	role := string(rbac.RoleMember)
	user := store.User{
		ID:          util.NewID("usr"),
		Name:        name,
		Email:       email,
		Role:        role,
		Status:      store.UserActive,
		Permissions: rbac.DefaultPermissions(role),
	}
	if err := s.store.CreateAccount(ctx, user, string(hash)); err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}

	// The insert may have attached the credential to an invited user's row.
	credential, err := s.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		return Account{}, fmt.Errorf("reload credential: %w", err)
	}
	return Account{UserID: credential.UserID, Email: credential.Email}, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}
	credential, err := s.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, fmt.Errorf("lookup credential: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(credential.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	return Account{UserID: credential.UserID, Email: credential.Email}, nil
}

// ChangePassword replaces the password after re-checking the current one.
func (s *Service) ChangePassword(ctx context.Context, email, current, next string) error {
	account, err := s.SignIn(ctx, email, current)
	if err != nil {
		return err
	}
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdatePasswordHash(ctx, account.UserID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	address, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(address.Address), nil
}
