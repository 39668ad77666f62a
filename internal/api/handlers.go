package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"authdesk/internal/models"
	"authdesk/internal/service"
	"authdesk/internal/util"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

type registerRequest struct {
	Username string      `json:"username"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.svc.Register(r.Context(), currentUser(r), req.Username, req.Password, req.Role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, u)
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, service.ViewOf(currentUser(r)))
}

func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProfile(r.Context(), currentUser(r).Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var patch models.ProfilePatch
	if err := util.DecodeJSON(r, &patch); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.svc.UpdateProfile(r.Context(), currentUser(r).Username, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.ListSessions(r.Context(), currentUser(r).Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"id":         s.ID,
			"ip_address": s.IPAddress,
			"user_agent": s.UserAgent,
			"created_at": s.CreatedAt,
			"expires_at": s.ExpiresAt,
		})
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.ChangePassword(r.Context(), currentUser(r).Username, req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) ExportUser(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ExportUserData(r.Context(), currentUser(r).Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) SendCode(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SendVerificationCode(r.Context(), currentUser(r).Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

type confirmRequest struct {
	Code string `json:"code"`
}

func (h *Handlers) ConfirmCode(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.svc.ConfirmVerificationCode(r.Context(), currentUser(r).Username, req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"verified": true, "profile": p})
}

func (h *Handlers) VerificationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.VerificationStatus(r.Context(), currentUser(r).Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, st)
}

type shareRequest struct {
	Recipient string `json:"recipient"`
}

func (h *Handlers) RequestShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	share, err := h.svc.RequestShare(r.Context(), currentUser(r).Username, req.Recipient)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, share)
}

type shareDecision struct {
	SecurityCode string `json:"security_code"`
}

func (h *Handlers) ApproveShare(w http.ResponseWriter, r *http.Request) {
	h.resolveShare(w, r, h.svc.ApproveShare)
}

func (h *Handlers) RejectShare(w http.ResponseWriter, r *http.Request) {
	h.resolveShare(w, r, h.svc.RejectShare)
}

func (h *Handlers) resolveShare(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, username, code string) (models.ShareRequest, error)) {
	var req shareDecision
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	share, err := fn(r.Context(), currentUser(r).Username, strings.ToUpper(strings.TrimSpace(req.SecurityCode)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, share)
}

func (h *Handlers) SharedWithMe(w http.ResponseWriter, r *http.Request) {
	shared, err := h.svc.SharedWithMe(r.Context(), currentUser(r).Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"shared_profiles": shared})
}

func (h *Handlers) MyShareRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.svc.MyShareRequests(r.Context(), currentUser(r).Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"share_requests": reqs})
}

func (h *Handlers) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context(), currentUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handlers) AdminActivateUser(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handlers) AdminDeactivateUser(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	u, err := h.svc.SetUserActive(r.Context(), currentUser(r), chi.URLParam(r, "username"), active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, u)
}

func (h *Handlers) AdminAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := models.AuditQuery{
		Username: strings.TrimSpace(r.URL.Query().Get("username")),
		Action:   strings.TrimSpace(r.URL.Query().Get("action")),
		Limit:    queryInt(r, "limit"),
	}
	if q.Limit <= 0 {
		q.Limit = h.cfg.AuditDefaultLimit
	}
	entries, err := h.svc.AuditLogs(r.Context(), currentUser(r), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"logs": entries, "count": len(entries)})
}

func (h *Handlers) AdminStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Statistics(r.Context(), currentUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, st)
}

func (h *Handlers) AdminExport(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ExportAllData(r.Context(), currentUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="authdesk-export.json"`)
	util.WriteJSON(w, http.StatusOK, out)
}
