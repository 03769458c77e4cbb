package httpapi

import (
	"elogbook/internal/core"
	"elogbook/internal/export"
	"elogbook/internal/identity"
	"elogbook/internal/query"
	"elogbook/pkg/domain"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (h *handler) actor(w http.ResponseWriter, r *http.Request) (*domain.UserAccount, bool) {
	user, err := identity.Require(r.Context(), identity.ContextProvider{})
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return user, true
}

func (h *handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.RecordLogin(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "audit": rec})
}

func (h *handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	stats, err := h.query.Stats(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	users, err := h.query.ListUsers(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type createUserRequest struct {
	Username      string      `json:"username"`
	FullName      string      `json:"full_name"`
	Role          domain.Role `json:"role"`
	Justification string      `json:"justification"`
}

func (h *handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	created, auditID, err := h.svc.CreateUser(r.Context(), user, domain.UserAccount{
		Username: req.Username,
		FullName: req.FullName,
		Role:     req.Role,
	}, req.Justification)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": created, "audit_id": auditID})
}

func auditFilterFrom(r *http.Request) (query.AuditFilter, error) {
	q := r.URL.Query()
	rng, err := export.ParseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		return query.AuditFilter{}, err
	}
	f := query.AuditFilter{
		Search:     q.Get("q"),
		Range:      rng,
		EntityType: domain.EntityType(strings.ToUpper(q.Get("entity_type"))),
		EntityID:   q.Get("entity_id"),
		Action:     domain.Action(strings.ToUpper(q.Get("action"))),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return query.AuditFilter{}, domain.NewValidationError("limit", "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (h *handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	f, err := auditFilterFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.query.ListVisibleTo(r.Context(), user, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	status := domain.TemplateStatus(strings.ToUpper(r.URL.Query().Get("status")))
	templates, err := h.query.ListTemplates(r.Context(), user, status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (h *handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	tmpl, err := h.query.GetTemplate(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tmpl})
}

type templateRequest struct {
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	Status        domain.TemplateStatus `json:"status"`
	Columns       []domain.Column       `json:"columns"`
	Justification string                `json:"justification"`
}

func (t templateRequest) template() domain.Template {
	return domain.Template{Name: t.Name, Description: t.Description, Status: t.Status, Columns: t.Columns}
}

func (h *handler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req templateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	tmpl, auditID, err := h.svc.CreateTemplate(r.Context(), user, req.template(), req.Justification)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"template": tmpl, "audit_id": auditID})
}

func (h *handler) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req templateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	tmpl, auditID, err := h.svc.UpdateTemplate(r.Context(), user, chi.URLParam(r, "id"), req.template(), req.Justification)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tmpl, "audit_id": auditID})
}

func (h *handler) handleTemplateHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	records, err := h.query.ListVisibleTo(r.Context(), user, query.AuditFilter{EntityID: chi.URLParam(r, "id")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	rng, err := export.ParseRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tmpl, entries, err := h.query.ListEntries(r.Context(), user, chi.URLParam(r, "id"), rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tmpl, "entries": entries})
}

type entryRequest struct {
	Values        map[string]json.RawMessage `json:"values"`
	Status        domain.EntryStatus         `json:"status"`
	Reason        string                     `json:"reason"`
	Justification string                     `json:"justification"`
}

// handleSubmitEntry coerces bare JSON scalars to the variant each column
// stores. Keys the template does not define are passed through as text so
// the write pipeline reports them.
func (h *handler) handleSubmitEntry(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req entryRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	tmpl, err := h.query.GetTemplate(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	values := make(map[string]domain.Value, len(req.Values))
	for key, raw := range req.Values {
		colType := domain.ColumnText
		if col, found := tmpl.Column(key); found {
			colType = col.Type
		}
		v, err := domain.CoerceValue(colType, raw)
		if err != nil {
			h.writeError(w, r, domain.NewValidationError(key, "%v", err))
			return
		}
		if !v.IsZero() {
			values[key] = v
		}
	}
	entry, auditID, err := h.svc.SubmitEntry(r.Context(), user, core.Entry{
		TemplateID: tmpl.ID,
		Values:     values,
		Status:     req.Status,
		Reason:     req.Reason,
	}, req.Justification)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry, "audit_id": auditID})
}

type reportRequest struct {
	Start         string            `json:"start"`
	End           string            `json:"end"`
	Search        string            `json:"search"`
	EntityType    domain.EntityType `json:"entity_type"`
	Action        domain.Action     `json:"action"`
	Justification string            `json:"justification"`
}

func (h *handler) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rng, err := export.ParseRange(req.Start, req.End)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rep, err := h.exporter.ExportAudit(r.Context(), user, export.AuditRequest{
		Range:         rng,
		Search:        req.Search,
		EntityType:    req.EntityType,
		Action:        req.Action,
		Justification: req.Justification,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeReport(w, rep)
}

func (h *handler) handleExportEntries(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rng, err := export.ParseRange(req.Start, req.End)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rep, err := h.exporter.ExportEntries(r.Context(), user, export.EntriesRequest{
		TemplateID:    chi.URLParam(r, "id"),
		Range:         rng,
		Justification: req.Justification,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeReport(w, rep)
}

func writeReport(w http.ResponseWriter, rep export.Report) {
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+rep.Key[strings.LastIndex(rep.Key, "/")+1:]+`"`)
	w.Header().Set("X-Report-Key", rep.Key)
	w.Header().Set("X-Report-SHA256", rep.SHA256)
	w.Header().Set("X-Report-Rows", strconv.Itoa(rep.Rows))
	w.Header().Set("X-Audit-ID", rep.View.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rep.Payload)
}
