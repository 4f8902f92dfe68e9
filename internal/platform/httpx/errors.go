// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")
)

// Rule maps a domain error onto a problem response.
type Rule struct {
	Target error
	Status int
	Title  string
}

var defaultRules = []Rule{
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ErrDuplicate, Status: http.StatusConflict, Title: "Duplicate"},
	{Target: ErrConflict, Status: http.StatusConflict, Title: "Conflict"},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Target: ErrUnauthorized, Status: http.StatusUnauthorized, Title: "Unauthorized"},
	{Target: ErrUnavailable, Status: http.StatusServiceUnavailable, Title: "Service Unavailable"},
}

// RespondError maps domain errors to HTTP responses using RFC7807.
// Caller rules are checked before the package defaults.
func RespondError(w http.ResponseWriter, err error, rules ...Rule) {
	status, title := StatusFor(err, rules...)
	detail := ""
	if status != http.StatusInternalServerError {
		detail = err.Error()
	}
	Problem(w, status, title, detail)
}

// StatusFor returns the status and title RespondError would write for err.
func StatusFor(err error, rules ...Rule) (int, string) {
	for _, set := range [][]Rule{rules, defaultRules} {
		for _, rule := range set {
			if errors.Is(err, rule.Target) {
				return rule.Status, rule.Title
			}
		}
	}
	return http.StatusInternalServerError, "Internal Error"
}
