// Package vault owns user credentials and their profiles.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"authdesk/internal/apperr"
	"authdesk/internal/auth"
	"authdesk/internal/authz"
	"authdesk/internal/docstore"
	"authdesk/internal/models"
)

const maxProfileField = 512

// Unknown usernames are checked against this hash so that they cost the same
// KDF work as a wrong password.
var (
	dummyHashOnce sync.Once
	dummyHash     string
)

func unknownUserHash() string {
	dummyHashOnce.Do(func() {
		h, err := auth.HashPassword("authdesk-unknown-user")
		if err == nil {
			dummyHash = h
		}
	})
	return dummyHash
}

type Options struct {
	PasswordMinLength int
	PasswordMaxLength int
	AdminUsername     string
	AdminPassword     string
	Now               func() time.Time
	Logger            *slog.Logger
}

type Vault struct {
	users    *docstore.Collection[models.User]
	profiles *docstore.Collection[models.Profile]
	opts     Options
	now      func() time.Time
	logger   *slog.Logger
	verify   func(hash, password string) bool
}

func New(store *docstore.Store, opts Options) *Vault {
	if opts.PasswordMinLength <= 0 {
		opts.PasswordMinLength = 8
	}
	if opts.PasswordMaxLength < opts.PasswordMinLength {
		opts.PasswordMaxLength = 128
	}
	if opts.AdminUsername == "" {
		opts.AdminUsername = "admin"
	}
	if opts.AdminPassword == "" {
		opts.AdminPassword = "admin123"
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		users:    docstore.NewCollection[models.User](store, docstore.Users),
		profiles: docstore.NewCollection[models.Profile](store, docstore.Profiles),
		opts:     opts,
		now:      now,
		logger:   logger.With("module", "vault"),
		verify:   auth.VerifyPassword,
	}
}

var errAlreadyBootstrapped = errors.New("users already present")

// Bootstrap creates the initial admin account when no users document exists.
// It reports whether an account was created.
func (v *Vault) Bootstrap(ctx context.Context) (bool, error) {
	exists, err := v.users.Exists()
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	hash, err := auth.HashPassword(v.opts.AdminPassword)
	if err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "hash bootstrap password", err)
	}
	now := v.now()
	admin := models.User{
		Username:     v.opts.AdminUsername,
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = v.create(ctx, admin, func(existing []models.User) error {
		if len(existing) > 0 {
			return errAlreadyBootstrapped
		}
		return nil
	})
	if errors.Is(err, errAlreadyBootstrapped) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v.logger.Info("bootstrap admin account created", "username", admin.Username)
	return true, nil
}

// Register creates a user and its empty profile as one logical change.
func (v *Vault) Register(ctx context.Context, username, password string, role models.Role) (models.User, error) {
	if role == "" {
		role = models.RoleUser
	}
	if err := ValidateUsername(username); err != nil {
		return models.User{}, err
	}
	if err := v.validatePassword(password); err != nil {
		return models.User{}, err
	}
	if !authz.ValidRole(string(role)) {
		return models.User{}, apperr.Validation(fmt.Sprintf("unknown role %q", role))
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.User{}, apperr.Wrap(apperr.ErrStorage, "hash password", err)
	}
	now := v.now()
	u := models.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := v.create(ctx, u, nil); err != nil {
		return models.User{}, err
	}
	return u, nil
}

// create appends u and writes its profile inside the users critical section.
// If persisting the user fails after the profile was written, the profile is
// removed again.
func (v *Vault) create(ctx context.Context, u models.User, precheck func([]models.User) error) error {
	profile := models.Profile{Username: u.Username, CreatedAt: u.CreatedAt, UpdatedAt: u.CreatedAt}
	profileWritten := false
	err := v.users.Update(ctx, func(in []models.User) ([]models.User, error) {
		if precheck != nil {
			if err := precheck(in); err != nil {
				return nil, err
			}
		}
		for _, existing := range in {
			if existing.Username == u.Username {
				return nil, apperr.New(apperr.ErrAlreadyExists, "username already exists")
			}
		}
		err := v.profiles.Update(ctx, func(ps []models.Profile) ([]models.Profile, error) {
			out := ps[:0]
			for _, p := range ps {
				// Orphan left behind by an interrupted registration.
				if p.Username != u.Username {
					out = append(out, p)
				}
			}
			return append(out, profile), nil
		})
		if err != nil {
			return nil, err
		}
		profileWritten = true
		return append(in, u), nil
	})
	if err != nil && profileWritten {
		v.logger.Error("user write failed; removing profile", "username", u.Username, "error", err)
		if cerr := v.removeProfile(ctx, profile); cerr != nil {
			v.logger.Error("profile compensation failed", "username", u.Username, "error", cerr)
		}
	}
	return err
}

func (v *Vault) removeProfile(ctx context.Context, created models.Profile) error {
	return v.profiles.Update(context.WithoutCancel(ctx), func(ps []models.Profile) ([]models.Profile, error) {
		out := ps[:0]
		for _, p := range ps {
			if p.Username == created.Username && p.CreatedAt.Equal(created.CreatedAt) {
				continue
			}
			out = append(out, p)
		}
		return out, nil
	})
}

// Authenticate checks a username/password pair. Failures carry a reason
// (unknown user, wrong password, inactive user) for auditing.
func (v *Vault) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	u, err := v.GetUser(ctx, username)
	if errors.Is(err, apperr.ErrNotFound) {
		v.verify(unknownUserHash(), password)
		return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrUnknownUser, "unknown user")
	}
	if err != nil {
		return models.User{}, err
	}
	if !v.verify(u.PasswordHash, password) {
		return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrWrongPassword, "wrong password")
	}
	if !u.Active {
		return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrInactiveUser, "user is inactive")
	}
	if auth.NeedsRehash(u.PasswordHash) {
		if upgraded, err := v.setPassword(ctx, u.Username, password); err != nil {
			v.logger.Warn("password hash upgrade failed", "username", u.Username, "error", err)
		} else {
			u = upgraded
			v.logger.Info("password hash upgraded", "username", u.Username)
		}
	}
	return u, nil
}

func (v *Vault) GetUser(ctx context.Context, username string) (models.User, error) {
	users, err := v.users.Load(ctx)
	if err != nil {
		return models.User{}, err
	}
	for _, u := range users {
		if u.Username == username {
			return u, nil
		}
	}
	return models.User{}, apperr.NotFound("user not found")
}

func (v *Vault) ListUsers(ctx context.Context) ([]models.User, error) {
	return v.users.Load(ctx)
}

// SetActive soft-activates or deactivates a user. Users are never deleted.
func (v *Vault) SetActive(ctx context.Context, username string, active bool) (models.User, error) {
	return v.mutateUser(ctx, username, func(u *models.User) error {
		u.Active = active
		return nil
	})
}

func (v *Vault) ChangePassword(ctx context.Context, username, current, next string) error {
	if err := v.validatePassword(next); err != nil {
		return err
	}
	u, err := v.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if !v.verify(u.PasswordHash, current) {
		return apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrWrongPassword, "current password is incorrect")
	}
	_, err = v.setPassword(ctx, username, next)
	return err
}

func (v *Vault) Permissions(role models.Role) []string {
	return authz.Permissions(role)
}

func (v *Vault) setPassword(ctx context.Context, username, password string) (models.User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.User{}, apperr.Wrap(apperr.ErrStorage, "hash password", err)
	}
	return v.mutateUser(ctx, username, func(u *models.User) error {
		u.PasswordHash = hash
		return nil
	})
}

func (v *Vault) mutateUser(ctx context.Context, username string, fn func(*models.User) error) (models.User, error) {
	var out models.User
	err := v.users.Update(ctx, func(in []models.User) ([]models.User, error) {
		for i := range in {
			if in[i].Username != username {
				continue
			}
			if err := fn(&in[i]); err != nil {
				return nil, err
			}
			in[i].UpdatedAt = v.now()
			out = in[i]
			return in, nil
		}
		return nil, apperr.NotFound("user not found")
	})
	return out, err
}

func ValidateUsername(username string) error {
	if username == "" {
		return apperr.Validation("username is required")
	}
	if !models.ValidUsername(username) {
		return apperr.Validation("username must be 1-64 characters of letters, digits, '.', '_' or '-'")
	}
	return nil
}

func (v *Vault) validatePassword(pw string) error {
	n := utf8.RuneCountInString(pw)
	if n < v.opts.PasswordMinLength || n > v.opts.PasswordMaxLength {
		return apperr.Validation(fmt.Sprintf("password length must be between %d and %d", v.opts.PasswordMinLength, v.opts.PasswordMaxLength))
	}
	return nil
}
