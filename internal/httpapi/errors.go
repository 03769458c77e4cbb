package httpapi

import (
	"elogbook/pkg/domain"
	"encoding/json"
	"errors"
	"net/http"
)

type violationBody struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type errorBody struct {
	Error      string           `json:"error"`
	Kind       domain.ErrorKind `json:"kind,omitempty"`
	Field      string           `json:"field,omitempty"`
	Violations []violationBody  `json:"violations,omitempty"`
	RequestID  string           `json:"request_id,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvariantViolation:
		return http.StatusUnprocessableEntity
	case domain.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)
	body := errorBody{Error: err.Error(), Kind: kind, RequestID: RequestIDFrom(r.Context())}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Field = de.Field
	}
	var rv domain.RuleViolationError
	if errors.As(err, &rv) {
		for _, v := range rv.Result.Violations {
			if v.Severity == domain.SeverityBlock {
				body.Violations = append(body.Violations, violationBody{Rule: v.Rule, Field: v.Field, Message: v.Message})
			}
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "path", r.URL.Path, "request_id", body.RequestID)
		if kind == "" {
			body.Error = "internal error"
		}
	} else {
		h.logger.Info("request rejected", "error", err, "kind", string(kind), "path", r.URL.Path, "request_id", body.RequestID)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", "invalid request body: %v", err)
	}
	return nil
}
