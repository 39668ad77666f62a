package service

import (
	"context"
	"encoding/json"
	"time"

	"authdesk/internal/apperr"
	"authdesk/internal/audit"
	"authdesk/internal/authz"
	"authdesk/internal/models"
)

const exportAuditLimit = 100

func (s *Service) AuditLogs(ctx context.Context, actor models.User, q models.AuditQuery) ([]models.AuditEntry, error) {
	if !authz.Can(actor.Role, authz.PermViewLogs) {
		return nil, apperr.New(apperr.ErrForbidden, "insufficient permissions")
	}
	return s.ledger.Query(ctx, q)
}

func (s *Service) Statistics(ctx context.Context, actor models.User) (models.Statistics, error) {
	if !authz.Can(actor.Role, authz.PermViewLogs) {
		return models.Statistics{}, apperr.New(apperr.ErrForbidden, "insufficient permissions")
	}
	users, err := s.vault.ListUsers(ctx)
	if err != nil {
		return models.Statistics{}, err
	}
	profiles, err := s.vault.ListProfiles(ctx)
	if err != nil {
		return models.Statistics{}, err
	}
	sessions, err := s.tokens.ListSessions(ctx, "")
	if err != nil {
		return models.Statistics{}, err
	}
	entries, err := s.ledger.Count(ctx)
	if err != nil {
		return models.Statistics{}, err
	}
	pending, err := s.verify.CountPendingShares(ctx)
	if err != nil {
		return models.Statistics{}, err
	}

	st := models.Statistics{
		TotalUsers:     len(users),
		UsersByRole:    map[string]int{},
		TotalProfiles:  len(profiles),
		ActiveSessions: len(sessions),
		AuditEntries:   entries,
		PendingShares:  pending,
		GeneratedAt:    s.now(),
	}
	for _, u := range users {
		st.UsersByRole[string(u.Role)]++
		if u.Active {
			st.ActiveUsers++
		}
	}
	for _, p := range profiles {
		if p.Verified {
			st.VerifiedProfiles++
		}
	}
	return st, nil
}

type UserExport struct {
	ExportedAt    time.Time             `json:"exported_at"`
	User          UserView              `json:"user"`
	Profile       models.Profile        `json:"profile"`
	Verified      bool                  `json:"verified"`
	Sessions      []models.Session      `json:"sessions"`
	ShareRequests []models.ShareRequest `json:"share_requests"`
	AuditEntries  []models.AuditEntry   `json:"audit_entries"`
}

// ExportUserData gathers everything stored about username.
func (s *Service) ExportUserData(ctx context.Context, username string) (UserExport, error) {
	u, err := s.vault.GetUser(ctx, username)
	if err != nil {
		return UserExport{}, err
	}
	profile, err := s.vault.GetProfile(ctx, username)
	if err != nil {
		return UserExport{}, err
	}
	verified, err := s.verify.IsVerified(ctx, username)
	if err != nil {
		return UserExport{}, err
	}
	sessions, err := s.tokens.ListSessions(ctx, username)
	if err != nil {
		return UserExport{}, err
	}
	shares, err := s.verify.ListShareRequests(ctx, username)
	if err != nil {
		return UserExport{}, err
	}
	entries, err := s.ledger.Query(ctx, models.AuditQuery{Username: username, Limit: exportAuditLimit})
	if err != nil {
		return UserExport{}, err
	}
	s.record(ctx, audit.ActionUserDataExported, username, nil)
	return UserExport{
		ExportedAt:    s.now(),
		User:          ViewOf(u),
		Profile:       profile,
		Verified:      verified,
		Sessions:      sessions,
		ShareRequests: shares,
		AuditEntries:  entries,
	}, nil
}

type FullExport struct {
	ExportedAt time.Time                  `json:"exported_at"`
	ExportedBy string                     `json:"exported_by"`
	Documents  map[string]json.RawMessage `json:"documents"`
}

// ExportAllData returns a snapshot of every document. Administrators only.
func (s *Service) ExportAllData(ctx context.Context, actor models.User) (FullExport, error) {
	if !authz.Can(actor.Role, authz.PermManageUsers) {
		return FullExport{}, apperr.New(apperr.ErrForbidden, "insufficient permissions")
	}
	docs, err := s.store.Snapshot(ctx)
	if err != nil {
		return FullExport{}, err
	}
	s.record(ctx, audit.ActionDataExported, actor.Username, map[string]any{"documents": len(docs)})
	return FullExport{ExportedAt: s.now(), ExportedBy: actor.Username, Documents: docs}, nil
}

type PurgeReport struct {
	Tokens        int `json:"tokens"`
	Codes         int `json:"codes"`
	ShareRequests int `json:"share_requests"`
}

func (r PurgeReport) Total() int { return r.Tokens + r.Codes + r.ShareRequests }

// Purge removes expired tokens, verification codes and pending share requests.
func (s *Service) Purge(ctx context.Context) (PurgeReport, error) {
	var rep PurgeReport
	n, err := s.tokens.PurgeExpired(ctx)
	if err != nil {
		return rep, err
	}
	rep.Tokens = n
	rep.Codes, rep.ShareRequests, err = s.verify.PurgeExpired(ctx)
	if err != nil {
		return rep, err
	}
	s.metrics.Purge("tokens", rep.Tokens)
	s.metrics.Purge("codes", rep.Codes)
	s.metrics.Purge("share_requests", rep.ShareRequests)
	if rep.Total() > 0 {
		s.record(ctx, audit.ActionMaintenancePurge, "system", map[string]any{
			"tokens":         rep.Tokens,
			"codes":          rep.Codes,
			"share_requests": rep.ShareRequests,
		})
	}
	return rep, nil
}
