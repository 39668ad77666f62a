package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authdesk/internal/apperr"
	"authdesk/internal/auth"
	"authdesk/internal/docstore"
	"authdesk/internal/models"
)

type fixture struct {
	store *docstore.Store
	vault *Vault
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := docstore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	f := &fixture{store: store, now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	f.vault = New(store, Options{
		PasswordMinLength: 8,
		PasswordMaxLength: 64,
		Now:               func() time.Time { return f.now },
	})
	return f
}

func TestBootstrapCreatesSingleAdminOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.vault.Bootstrap(ctx)
	require.NoError(t, err)
	require.True(t, created)

	users, err := f.vault.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "admin", users[0].Username)
	require.Equal(t, models.RoleAdmin, users[0].Role)

	_, err = f.vault.GetProfile(ctx, "admin")
	require.NoError(t, err)

	created, err = f.vault.Bootstrap(ctx)
	require.NoError(t, err)
	require.False(t, created)
	users, err = f.vault.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	u, err := f.vault.Authenticate(ctx, "admin", "admin123")
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, u.Role)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		password string
		role     models.Role
	}{
		{"empty username", "", "password-1", models.RoleUser},
		{"bad characters", "al ice", "password-1", models.RoleUser},
		{"too long", strings.Repeat("a", 65), "password-1", models.RoleUser},
		{"short password", "alice", "short", models.RoleUser},
		{"unknown role", "alice", "password-1", "superuser"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.vault.Register(ctx, tc.username, tc.password, tc.role)
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestRegisterDefaultsRoleAndCreatesProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.vault.Register(ctx, "alice", "password-1", "")
	require.NoError(t, err)
	require.Equal(t, models.RoleUser, u.Role)
	require.True(t, u.Active)

	p, err := f.vault.GetProfile(ctx, "alice")
	require.NoError(t, err)
	require.False(t, p.Verified)
	require.Equal(t, f.now, p.CreatedAt)
}

func TestRegisterDuplicateIsCaseSensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Register(ctx, "alice", "password-1", models.RoleUser)
	require.NoError(t, err)
	_, err = f.vault.Register(ctx, "alice", "password-2", models.RoleViewer)
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)
	_, err = f.vault.Register(ctx, "Alice", "password-2", models.RoleViewer)
	require.NoError(t, err)
}

func TestConcurrentRegisterSameUsernameOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const racers = 8

	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.vault.Register(ctx, "carol", "password-1", models.RoleUser)
			switch {
			case err == nil:
				ok.Add(1)
			case apperr.KindOf(err) == apperr.ErrAlreadyExists:
				dup.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, ok.Load())
	require.EqualValues(t, racers-1, dup.Load())

	profiles, err := f.vault.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
}

func TestConcurrentRegisterDistinctUsernamesAllPersist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 10

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.vault.Register(ctx, fmt.Sprintf("user%d", i), "password-1", models.RoleUser)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	users, err := f.vault.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, n)
}

func TestRegisterFailureLeavesNoOrphanProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A directory where the temp file should go makes the users write fail.
	require.NoError(t, os.Mkdir(f.store.Path(docstore.Users)+".tmp", 0o750))

	_, err := f.vault.Register(ctx, "dave", "password-1", models.RoleUser)
	require.ErrorIs(t, err, apperr.ErrStorage)

	_, err = f.vault.GetProfile(ctx, "dave")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAuthenticateReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.vault.Register(ctx, "alice", "password-1", models.RoleUser)
	require.NoError(t, err)

	_, err = f.vault.Authenticate(ctx, "nobody", "password-1")
	require.ErrorIs(t, err, apperr.ErrAuthFailed)
	require.ErrorIs(t, err, apperr.ErrUnknownUser)

	_, err = f.vault.Authenticate(ctx, "alice", "password-2")
	require.ErrorIs(t, err, apperr.ErrWrongPassword)

	_, err = f.vault.SetActive(ctx, "alice", false)
	require.NoError(t, err)
	_, err = f.vault.Authenticate(ctx, "alice", "password-1")
	require.ErrorIs(t, err, apperr.ErrInactiveUser)

	_, err = f.vault.SetActive(ctx, "alice", true)
	require.NoError(t, err)
	_, err = f.vault.Authenticate(ctx, "alice", "password-1")
	require.NoError(t, err)
}

func TestAuthenticateUpgradesLegacyHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sum := sha256.Sum256([]byte("old-secret"))
	legacy := `[{"id":1,"username":"legacy","password":"` + hex.EncodeToString(sum[:]) +
		`","role":"user","created":"2024-05-01T12:00:00.123456","active":true}]`
	require.NoError(t, os.WriteFile(f.store.Path(docstore.Users), []byte(legacy), 0o600))
	profiles := `[{"username":"legacy","full_name":"Old Timer","email":"","phone":"","department":"","avatar":"","bio":"",` +
		`"verified":false,"created_at":"2024-05-01T12:00:00.123456","updated_at":"2024-05-01T12:00:00.123456"}]`
	require.NoError(t, os.WriteFile(f.store.Path(docstore.Profiles), []byte(profiles), 0o600))

	created, err := f.vault.Bootstrap(ctx)
	require.NoError(t, err)
	require.False(t, created)

	u, err := f.vault.Authenticate(ctx, "legacy", "old-secret")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u.PasswordHash, "$argon2id$"))

	stored, err := f.vault.GetUser(ctx, "legacy")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))

	_, err = f.vault.Authenticate(ctx, "legacy", "old-secret")
	require.NoError(t, err)
	require.True(t, stored.CreatedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)), "created_at %s", stored.CreatedAt)

	p, err := f.vault.GetProfile(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, "Old Timer", p.FullName)
}

func TestBootstrapLogsOnceWithoutWarning(t *testing.T) {
	store, err := docstore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	v := New(store, Options{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))})

	created, err := v.Bootstrap(context.Background())
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 1, strings.Count(buf.String(), "bootstrap admin account created"))
	require.NotContains(t, buf.String(), "level=WARN")
}

func TestAuthenticateUnknownUserDoesKDFWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.vault.Register(ctx, "alice", "password-1", models.RoleUser)
	require.NoError(t, err)

	var hashes []string
	f.vault.verify = func(hash, password string) bool {
		hashes = append(hashes, hash)
		return auth.VerifyPassword(hash, password)
	}

	_, err = f.vault.Authenticate(ctx, "ghost", "password-1")
	require.ErrorIs(t, err, apperr.ErrUnknownUser)
	_, err = f.vault.Authenticate(ctx, "alice", "wrong-pass")
	require.ErrorIs(t, err, apperr.ErrWrongPassword)

	require.Len(t, hashes, 2)
	for _, h := range hashes {
		require.True(t, strings.HasPrefix(h, "$argon2id$"), "expected an argon2id check, got %q", h)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.vault.Register(ctx, "alice", "password-1", models.RoleUser)
	require.NoError(t, err)

	err = f.vault.ChangePassword(ctx, "alice", "wrong-pass", "password-2")
	require.ErrorIs(t, err, apperr.ErrWrongPassword)
	err = f.vault.ChangePassword(ctx, "alice", "password-1", "short")
	require.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, f.vault.ChangePassword(ctx, "alice", "password-1", "password-2"))
	_, err = f.vault.Authenticate(ctx, "alice", "password-2")
	require.NoError(t, err)
}

func TestUpdateProfileIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.vault.Register(ctx, "alice", "password-1", models.RoleUser)
	require.NoError(t, err)

	name, email := "Alice A.", "alice@example.com"
	_, err = f.vault.UpdateProfile(ctx, "alice", models.ProfilePatch{FullName: &name, Email: &email})
	require.NoError(t, err)
	before, err := f.vault.GetProfile(ctx, "alice")
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	bio := "x"
	_, err = f.vault.UpdateProfile(ctx, "alice", models.ProfilePatch{Bio: &bio})
	require.NoError(t, err)
	after, err := f.vault.GetProfile(ctx, "alice")
	require.NoError(t, err)

	require.Equal(t, "x", after.Bio)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt))
	after.Bio, after.UpdatedAt = before.Bio, before.UpdatedAt
	require.Equal(t, before, after)
}

func TestUpdateProfileUnknownUser(t *testing.T) {
	f := newFixture(t)
	bio := "x"
	_, err := f.vault.UpdateProfile(context.Background(), "ghost", models.ProfilePatch{Bio: &bio})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMarkVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.vault.Register(ctx, "alice", "password-1", models.RoleUser)
	require.NoError(t, err)

	p, err := f.vault.MarkVerified(ctx, "alice", f.now)
	require.NoError(t, err)
	require.True(t, p.Verified)
	require.NotNil(t, p.VerifiedAt)
	require.Equal(t, f.now, *p.VerifiedAt)
}
