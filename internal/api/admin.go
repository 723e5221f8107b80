package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/maragf/claude-relay/internal/account"
	"github.com/maragf/claude-relay/internal/domain"
)

// accountView is the admin representation of an account. Credentials
// never leave the relay; only their presence is reported.
type accountView struct {
	ID           string    `json:"id"`
	Label        string    `json:"label,omitempty"`
	OrgUUID      string    `json:"org_uuid,omitempty"`
	HasCookie    bool      `json:"has_cookie"`
	HasOAuth     bool      `json:"has_oauth"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Health       string    `json:"health"`
	ResetsAt     time.Time `json:"resets_at,omitzero"`
	CoolingUntil time.Time `json:"cooling_until,omitzero"`
	LastUsed     time.Time `json:"last_used"`
	RequestCount int64     `json:"request_count"`
}

func viewOf(a *account.Account) accountView {
	return accountView{
		ID:           a.ID,
		Label:        a.Label,
		OrgUUID:      a.OrgUUID,
		HasCookie:    a.HasWebAccess(),
		HasOAuth:     a.HasAPIAccess(),
		Capabilities: a.Capabilities,
		Health:       string(a.Health),
		ResetsAt:     a.ResetsAt,
		CoolingUntil: a.CoolingUntil,
		LastUsed:     a.LastUsed,
		RequestCount: a.RequestCount,
	}
}

func (h *handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.pool.Snapshot()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewOf(a))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"accounts": views})
}

type createAccountRequest struct {
	ID           string              `json:"id,omitempty"`
	Label        string              `json:"label,omitempty"`
	OrgUUID      string              `json:"org_uuid,omitempty"`
	Cookie       string              `json:"cookie,omitempty"`
	OAuth        *account.OAuthToken `json:"oauth,omitempty"`
	Capabilities []string            `json:"capabilities,omitempty"`
}

func (h *handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if req.Cookie == "" && (req.OAuth == nil || req.OAuth.AccessToken == "") {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "account needs a cookie or an oauth token")
		return
	}
	if req.Cookie != "" && req.OrgUUID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "cookie accounts need org_uuid")
		return
	}

	a := &account.Account{
		ID:           req.ID,
		Label:        req.Label,
		OrgUUID:      req.OrgUUID,
		Cookie:       req.Cookie,
		OAuth:        req.OAuth,
		Capabilities: req.Capabilities,
		Health:       account.HealthActive,
		LastUsed:     time.Now(),
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	if err := h.pool.Add(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to save account")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(viewOf(a))
}

func (h *handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.pool.Remove(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "not_found_error", "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "api_error", "failed to delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	total := 0
	for _, a := range h.pool.Snapshot() {
		counts[string(a.Health)]++
		total++
	}

	held := 0
	if h.coord != nil {
		held = h.coord.HeldCount()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accounts":           total,
		"accounts_by_health": counts,
		"held_tool_sessions": held,
	})
}
