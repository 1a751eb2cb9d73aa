package profit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist for the tenant.
	ErrNotFound = errors.New("profit: record not found")
	// ErrLeadBatchInUse is returned when deleting a batch that leads still reference.
	ErrLeadBatchInUse = errors.New("profit: lead batch still referenced by leads")
)

// Kind classifies a domain error.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindDataIntegrity
	KindBusinessRule
	KindTenantConfig
	KindCalculation
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDataIntegrity:
		return "data_integrity"
	case KindBusinessRule:
		return "business_rule"
	case KindTenantConfig:
		return "tenant_config"
	case KindCalculation:
		return "calculation"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Code is the machine readable error identifier.
type Code string

const (
	CodeOrderNotFound         Code = "ORDER_NOT_FOUND"
	CodeInvalidIdentifier     Code = "INVALID_IDENTIFIER"
	CodeInvalidCostRange      Code = "INVALID_COST_RANGE"
	CodeInvalidType           Code = "INVALID_TYPE"
	CodeRequiredField         Code = "REQUIRED_FIELD"
	CodeProductNotFound       Code = "PRODUCT_NOT_FOUND"
	CodeMissingCostData       Code = "MISSING_COST_DATA"
	CodeLeadBatchUnavailable  Code = "LEAD_BATCH_UNAVAILABLE"
	CodeLeadBatchNotFound     Code = "LEAD_BATCH_NOT_FOUND"
	CodeLeadBatchInUse        Code = "LEAD_BATCH_IN_USE"
	CodeTenantConfigMissing   Code = "TENANT_CONFIG_MISSING"
	CodeReturnCostNotAllowed  Code = "RETURN_COST_NOT_ALLOWED"
	CodeNonFiniteResult       Code = "NON_FINITE_RESULT"
	CodeTimeout               Code = "TIMEOUT_ERROR"
	CodeStorage               Code = "STORAGE_ERROR"
	CodeInconsistentCostTotal Code = "INCONSISTENT_COST_TOTAL"
)

// Error is the tagged error returned by the profit package.
type Error struct {
	Kind     Kind
	Code     Code
	Message  string
	Field    string
	Value    any
	OrderID  string
	TenantID string
	Context  map[string]any
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("profit: ")
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %s=%v)", e.Field, e.Value)
	}
	if e.OrderID != "" {
		fmt.Fprintf(&b, " [tenant=%s order=%s]", e.TenantID, e.OrderID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func fieldError(kind Kind, code Code, field string, value any, msg string) *Error {
	return &Error{Kind: kind, Code: code, Field: field, Value: value, Message: msg}
}

func (e *Error) scoped(tenantID, orderID string) *Error {
	e.TenantID = tenantID
	e.OrderID = orderID
	return e
}

// scopeErr attaches tenant and order to a tagged error that has none yet.
func scopeErr(err error, tenantID, orderID string) error {
	var tagged *Error
	if errors.As(err, &tagged) && tagged.OrderID == "" {
		tagged.scoped(tenantID, orderID)
	}
	return err
}

func (e *Error) with(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// wrapStorage converts a storage failure into a tagged error. Deadline expiry is a timeout.
func wrapStorage(err error, op string) *Error {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindSystem, Code: CodeTimeout, Message: op + " timed out", Err: err}
	}
	return &Error{Kind: KindSystem, Code: CodeStorage, Message: op + " failed", Err: err}
}

// KindOf returns the kind of a tagged error.
func KindOf(err error) (Kind, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind, true
	}
	return 0, false
}

// CodeOf returns the code of a tagged error or an empty code.
func CodeOf(err error) Code {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	return ""
}

// Recovery is the handling decided for an error.
type Recovery uint8

const (
	RecoveryFatal Recovery = iota
	RecoveryFallback
)

func (r Recovery) String() string {
	if r == RecoveryFallback {
		return "fallback"
	}
	return "fatal"
}

// ClassifyRecovery decides whether a calculation failure may be answered with an estimate.
func ClassifyRecovery(err error) Recovery {
	if err == nil {
		return RecoveryFatal
	}
	if errors.Is(err, context.Canceled) {
		return RecoveryFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RecoveryFallback
	}
	var tagged *Error
	if !errors.As(err, &tagged) {
		return RecoveryFallback
	}
	switch tagged.Kind {
	case KindValidation, KindBusinessRule:
		return RecoveryFatal
	case KindDataIntegrity:
		if tagged.Code == CodeOrderNotFound || tagged.Code == CodeInvalidIdentifier {
			return RecoveryFatal
		}
		return RecoveryFallback
	case KindTenantConfig, KindCalculation, KindSystem:
		return RecoveryFallback
	default:
		return RecoveryFatal
	}
}

const genericUserMessage = "The profit figures could not be calculated right now. Please try again later."

// UserMessage returns the text that may be shown to an end user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var tagged *Error
	if !errors.As(err, &tagged) {
		return genericUserMessage
	}
	switch tagged.Kind {
	case KindValidation, KindBusinessRule:
		return tagged.Message
	case KindDataIntegrity:
		switch tagged.Code {
		case CodeOrderNotFound:
			return "The order could not be found."
		case CodeLeadBatchNotFound:
			return "The lead batch could not be found."
		case CodeLeadBatchInUse:
			return tagged.Message
		}
	}
	return genericUserMessage
}
