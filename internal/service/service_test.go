package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"authdesk/internal/apperr"
	"authdesk/internal/audit"
	"authdesk/internal/docstore"
	"authdesk/internal/models"
	"authdesk/internal/notify"
	"authdesk/internal/tokens"
	"authdesk/internal/vault"
	"authdesk/internal/verification"
)

type captureSender struct {
	mu   sync.Mutex
	sent []notify.CodeMessage
	err  error
}

func (c *captureSender) SendVerificationCode(_ context.Context, msg notify.CodeMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureSender) last() notify.CodeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

type harness struct {
	svc    *Service
	sender *captureSender
	ledger *audit.Ledger
	admin  models.User
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := docstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h := &harness{sender: &captureSender{}, now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	v := vault.New(st, vault.Options{PasswordMinLength: 8, PasswordMaxLength: 64, Now: clock})
	h.ledger = audit.New(st, audit.Options{Now: clock})
	h.svc = New(Deps{
		Store:        st,
		Vault:        v,
		Tokens:       tokens.New(st, v, tokens.Options{Now: clock}),
		Verification: verification.New(st, verification.Options{Now: clock}),
		Audit:        h.ledger,
		Sender:       h.sender,
		Now:          clock,
		TokenTTL:     time.Hour,
	})
	if _, err := v.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	h.admin, err = v.GetUser(context.Background(), "admin")
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	return h
}

func (h *harness) register(t *testing.T, username string, role models.Role) models.User {
	t.Helper()
	if _, err := h.svc.Register(context.Background(), h.admin, username, "password-1", role); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	u, err := h.svc.vault.GetUser(context.Background(), username)
	if err != nil {
		t.Fatalf("get %s: %v", username, err)
	}
	return u
}

func (h *harness) actions(t *testing.T, username string) []string {
	t.Helper()
	entries, err := h.ledger.Query(context.Background(), models.AuditQuery{Username: username, Limit: 1000})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func TestLoginUniformFailureAndAudit(t *testing.T) {
	h := newHarness(t)
	ctx := audit.WithClient(context.Background(), "192.0.2.1", "test-agent")
	h.register(t, "alice", models.RoleUser)

	_, errUnknown := h.svc.Login(ctx, "nobody", "password-1")
	_, errWrong := h.svc.Login(ctx, "alice", "password-2")
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected uniform invalid credentials, got %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("messages must not reveal which part was wrong")
	}

	entries, _ := h.ledger.Query(ctx, models.AuditQuery{Action: audit.ActionLoginFailed})
	if len(entries) != 2 {
		t.Fatalf("expected 2 failed-login entries, got %d", len(entries))
	}
	if entries[0].Details["reason"] != "unknown_user" || entries[1].Details["reason"] != "wrong_password" {
		t.Fatalf("unexpected reasons: %v / %v", entries[0].Details, entries[1].Details)
	}
	if entries[0].IPAddress != "192.0.2.1" || entries[0].UserAgent != "test-agent" {
		t.Fatalf("client metadata missing: %+v", entries[0])
	}

	res, err := h.svc.Login(ctx, "alice", "password-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.TokenType != "Bearer" || res.User.Role != models.RoleUser || !res.ExpiresAt.Equal(h.now.Add(time.Hour)) {
		t.Fatalf("unexpected login result: %+v", res)
	}
	u, err := h.svc.VerifyToken(ctx, "Bearer "+res.Token)
	if err != nil || u.Username != "alice" {
		t.Fatalf("verify token: %v %+v", err, u)
	}
	if !contains(h.actions(t, "alice"), audit.ActionLoginSuccess) {
		t.Fatalf("missing LOGIN_SUCCESS")
	}
}

func TestLoginValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Login(context.Background(), " ", "x"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVerifyTokenRequiresBearer(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.VerifyToken(context.Background(), "Token abc"); !errors.Is(err, apperr.ErrAuthFailed) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestRegisterRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	alice := h.register(t, "alice", models.RoleUser)
	_, err := h.svc.Register(context.Background(), alice, "mallory", "password-1", models.RoleAdmin)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if !contains(h.actions(t, "admin"), audit.ActionUserRegistered) {
		t.Fatalf("missing USER_REGISTERED for the admin")
	}
	if !contains(h.actions(t, "alice"), audit.ActionUserCreated) {
		t.Fatalf("missing USER_CREATED for the new user")
	}
}

func TestCheckRole(t *testing.T) {
	h := newHarness(t)
	if !h.svc.CheckRole(models.RoleAdmin, models.RoleAdmin) {
		t.Fatalf("admin should pass admin guard")
	}
	if h.svc.CheckRole(models.RoleViewer, models.RoleAdmin, models.RoleUser) {
		t.Fatalf("viewer should fail guard")
	}
}

func TestVerificationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", models.RoleUser)
	email := "alice@example.com"
	if _, err := h.svc.UpdateProfile(ctx, "alice", models.ProfilePatch{Email: &email}); err != nil {
		t.Fatalf("update profile: %v", err)
	}

	status, err := h.svc.VerificationStatus(ctx, "alice")
	if err != nil || status.Verified || status.Badge != BadgePending {
		t.Fatalf("unexpected initial status %+v err=%v", status, err)
	}

	res, err := h.svc.SendVerificationCode(ctx, "alice")
	if err != nil {
		t.Fatalf("send code: %v", err)
	}
	if res.Code != "" {
		t.Fatalf("code must not be exposed unless configured")
	}
	msg := h.sender.last()
	if msg.Email != email || len(msg.Code) != 6 {
		t.Fatalf("unexpected delivery %+v", msg)
	}

	bad := "000000"
	if msg.Code == bad {
		bad = "111111"
	}
	if _, err := h.svc.ConfirmVerificationCode(ctx, "alice", bad); !errors.Is(err, apperr.ErrCodeIncorrect) {
		t.Fatalf("expected incorrect code, got %v", err)
	}
	p, err := h.svc.ConfirmVerificationCode(ctx, "alice", msg.Code)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !p.Verified || p.VerifiedAt == nil {
		t.Fatalf("profile not marked verified: %+v", p)
	}

	status, err = h.svc.VerificationStatus(ctx, "alice")
	if err != nil || !status.Verified || status.Badge != BadgeVerified {
		t.Fatalf("unexpected final status %+v err=%v", status, err)
	}

	entries, _ := h.ledger.Query(ctx, models.AuditQuery{Username: "alice", Limit: 100})
	for _, e := range entries {
		for _, v := range e.Details {
			if s, ok := v.(string); ok && s == msg.Code {
				t.Fatalf("audit entry %s leaks the verification code", e.Action)
			}
		}
	}
	actions := h.actions(t, "alice")
	for _, want := range []string{audit.ActionVerificationCodeSent, audit.ActionVerificationFailed, audit.ActionProfileVerified} {
		if !contains(actions, want) {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
}

func TestConfirmCodeProfileWriteFailureIsRepaired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", models.RoleUser)
	if _, err := h.svc.SendVerificationCode(ctx, "alice"); err != nil {
		t.Fatalf("send code: %v", err)
	}
	code := h.sender.last().Code

	blocker := h.svc.store.Path(docstore.Profiles) + ".tmp"
	if err := os.Mkdir(blocker, 0o750); err != nil {
		t.Fatalf("block profile writes: %v", err)
	}
	if _, err := h.svc.ConfirmVerificationCode(ctx, "alice", code); err == nil {
		t.Fatalf("expected confirm to fail while profiles cannot be written")
	}
	p, err := h.svc.GetProfile(ctx, "alice")
	if err != nil || p.Verified {
		t.Fatalf("profile should not be verified yet: %+v err=%v", p, err)
	}
	if contains(h.actions(t, "alice"), audit.ActionProfileVerified) {
		t.Fatalf("PROFILE_VERIFIED must not be audited when the profile write failed")
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	status, err := h.svc.VerificationStatus(ctx, "alice")
	if err != nil || !status.Verified || !status.Profile.Verified {
		t.Fatalf("expected status to repair the profile flag, got %+v err=%v", status, err)
	}
	st, err := h.svc.Statistics(ctx, h.admin)
	if err != nil || st.VerifiedProfiles != 1 {
		t.Fatalf("expected one verified profile in statistics, got %+v err=%v", st, err)
	}
}

func TestSendCodeDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", models.RoleUser)
	h.sender.err = errors.New("smtp down")
	if _, err := h.svc.SendVerificationCode(context.Background(), "alice"); !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestShareRequiresVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", models.RoleUser)
	h.register(t, "bob", models.RoleUser)

	_, err := h.svc.RequestShare(ctx, "alice", "bob")
	if !errors.Is(err, apperr.ErrForbidden) || !errors.Is(err, apperr.ErrNotVerified) {
		t.Fatalf("expected not-verified forbidden, got %v", err)
	}

	if _, err := h.svc.SendVerificationCode(ctx, "alice"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := h.svc.ConfirmVerificationCode(ctx, "alice", h.sender.last().Code); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if _, err := h.svc.RequestShare(ctx, "alice", "nobody"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected unknown recipient to be not found, got %v", err)
	}

	req, err := h.svc.RequestShare(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("request share: %v", err)
	}
	if _, err := h.svc.ApproveShare(ctx, "alice", "WRONGCODE"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for wrong code, got %v", err)
	}
	shared, _ := h.svc.SharedWithMe(ctx, "bob")
	if len(shared) != 0 {
		t.Fatalf("nothing should be shared yet")
	}
	if _, err := h.svc.ApproveShare(ctx, "alice", req.SecurityCode); err != nil {
		t.Fatalf("approve: %v", err)
	}
	shared, err = h.svc.SharedWithMe(ctx, "bob")
	if err != nil || len(shared) != 1 || shared[0].From != "alice" || shared[0].Profile.Username != "alice" {
		t.Fatalf("unexpected shared list %+v err=%v", shared, err)
	}
	if _, err := h.svc.RejectShare(ctx, "alice", req.SecurityCode); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict on re-resolve, got %v", err)
	}
	mine, _ := h.svc.MyShareRequests(ctx, "alice")
	if len(mine) != 1 {
		t.Fatalf("expected 1 share request, got %d", len(mine))
	}
}

func TestAdminReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice", models.RoleUser)
	if _, err := h.svc.Login(ctx, "alice", "password-1"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := h.svc.AuditLogs(ctx, alice, models.AuditQuery{}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin audit read, got %v", err)
	}
	if _, err := h.svc.Statistics(ctx, alice); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin statistics, got %v", err)
	}

	st, err := h.svc.Statistics(ctx, h.admin)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if st.TotalUsers != 2 || st.TotalProfiles != 2 || st.ActiveSessions != 1 || st.UsersByRole["admin"] != 1 {
		t.Fatalf("unexpected statistics %+v", st)
	}

	full, err := h.svc.ExportAllData(ctx, h.admin)
	if err != nil {
		t.Fatalf("export all: %v", err)
	}
	if _, ok := full.Documents[docstore.Users]; !ok {
		t.Fatalf("users document missing from export")
	}

	ue, err := h.svc.ExportUserData(ctx, "alice")
	if err != nil {
		t.Fatalf("export user: %v", err)
	}
	if ue.User.Username != "alice" || len(ue.Sessions) != 1 || len(ue.AuditEntries) == 0 {
		t.Fatalf("unexpected user export %+v", ue)
	}
}

func TestSetUserActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", models.RoleUser)
	res, err := h.svc.Login(ctx, "alice", "password-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := h.svc.SetUserActive(ctx, h.admin, "admin", false); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected self-deactivation to fail, got %v", err)
	}
	if _, err := h.svc.SetUserActive(ctx, h.admin, "alice", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := h.svc.VerifyToken(ctx, "Bearer "+res.Token); !errors.Is(err, apperr.ErrAuthFailed) {
		t.Fatalf("tokens of inactive users must fail, got %v", err)
	}
	if _, err := h.svc.Login(ctx, "alice", "password-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("inactive login must fail uniformly, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", models.RoleUser)
	if _, err := h.svc.Login(ctx, "alice", "password-1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := h.svc.SendVerificationCode(ctx, "alice"); err != nil {
		t.Fatalf("send: %v", err)
	}

	h.now = h.now.Add(2 * time.Hour)
	rep, err := h.svc.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if rep.Tokens != 1 || rep.Codes != 1 {
		t.Fatalf("unexpected purge report %+v", rep)
	}
	if !contains(h.actions(t, "system"), audit.ActionMaintenancePurge) {
		t.Fatalf("missing MAINTENANCE_PURGE audit entry")
	}
}
