package profithttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/salesprofit/internal/platform/httpx"
	"github.com/odyssey-erp/salesprofit/internal/profit"
)

func writeProblem(w http.ResponseWriter, status int, code, detail string) {
	httpx.WriteProblem(w, httpx.ProblemDetail{Status: status, Code: code, Detail: detail})
}

// statusFor maps a profit error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	kind, ok := profit.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case profit.KindValidation:
		return http.StatusUnprocessableEntity
	case profit.KindBusinessRule:
		return http.StatusConflict
	case profit.KindDataIntegrity:
		switch profit.CodeOf(err) {
		case profit.CodeOrderNotFound, profit.CodeLeadBatchNotFound, profit.CodeProductNotFound:
			return http.StatusNotFound
		case profit.CodeLeadBatchInUse:
			return http.StatusConflict
		}
	case profit.KindSystem:
		if profit.CodeOf(err) == profit.CodeTimeout {
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		issues := make([]httpx.FieldIssue, 0, len(verrs))
		for _, fe := range verrs {
			issues = append(issues, httpx.FieldIssue{Field: jsonName(fe), Message: validationMessage(fe)})
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Status: http.StatusUnprocessableEntity,
			Code:   string(profit.CodeRequiredField),
			Detail: "request is invalid",
			Errors: issues,
		})
		return
	}
	if errors.Is(err, httpx.ErrValidation) {
		writeProblem(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("profit request failed", slog.String("path", r.URL.Path),
			slog.String("tenant_id", tenantID(r)), slog.Any("error", err))
	}
	p := httpx.ProblemDetail{Status: status, Code: string(profit.CodeOf(err)), Detail: profit.UserMessage(err)}
	var tagged *profit.Error
	if errors.As(err, &tagged) && tagged.Field != "" && status < http.StatusInternalServerError {
		p.Errors = []httpx.FieldIssue{{Field: tagged.Field, Message: tagged.Message}}
	}
	httpx.WriteProblem(w, p)
}

func jsonName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "max":
		return "must have at most " + fe.Param() + " entries"
	case "oneof":
		return "must be one of " + fe.Param()
	case "datetime":
		return "must be a date formatted as " + fe.Param()
	default:
		return "is invalid"
	}
}
