package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhir-candle/candle/internal/serializer"
	"github.com/fhir-candle/candle/internal/store"
	"github.com/fhir-candle/candle/internal/tenant"
)

// Outcome builds an OperationOutcome resource with a single issue.
func Outcome(severity, code, diagnostics string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    severity,
				"code":        code,
				"diagnostics": diagnostics,
			},
		},
	}
}

// outcome writes an OperationOutcome response in the negotiated format.
func (s *Server) outcome(c echo.Context, status int, code, diagnostics string) error {
	return s.respondTree(c, status, Outcome("error", code, diagnostics))
}

// writeError maps a store or tenant error to its REST status and writes
// the outcome.
func (s *Server) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.outcome(c, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, store.ErrGone):
		return s.outcome(c, http.StatusGone, "deleted", err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		return s.outcome(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, store.ErrIDExists), errors.Is(err, store.ErrIDNotAllowed):
		return s.outcome(c, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, store.ErrCapacity):
		return s.outcome(c, http.StatusUnprocessableEntity, "too-costly", err.Error())
	case errors.Is(err, tenant.ErrUnsupportedType):
		return s.outcome(c, http.StatusBadRequest, "not-supported", err.Error())
	case errors.Is(err, serializer.ErrInvalidResource):
		return s.outcome(c, http.StatusBadRequest, "structure", err.Error())
	default:
		return s.outcome(c, http.StatusBadRequest, "invalid", err.Error())
	}
}
