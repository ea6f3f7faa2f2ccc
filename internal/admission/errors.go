package admission

import "fmt"

// Code enumerates the Admission error taxonomy (spec.md §4.7, §7), so
// callers can errors.As instead of string-matching.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeTenantInactive    Code = "tenant_inactive"
	CodeRateExceeded      Code = "rate_exceeded"
	CodeDomainNotAllowed  Code = "domain_not_allowed"
	CodeSuppressed        Code = "suppressed"
	CodeReputationBlocked Code = "reputation_blocked"
	CodeDuplicateMessage  Code = "duplicate_message"
	CodeStoreUnavailable  Code = "store_unavailable"
	CodeRolledBack        Code = "rolled_back"
)

// Error is the structured error surfaced by Enqueue (spec.md §4.7's
// error taxonomy), carrying a Code enum plus human-readable detail.
type Error struct {
	Code   Code
	Detail string
	Fields []string // populated for CodeValidation: missing/malformed field names
	Tier   string   // populated for CodeRateExceeded: which cap was exhausted
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("admission: %s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("admission: %s", e.Code)
}

func validationError(fields ...string) *Error {
	return &Error{Code: CodeValidation, Detail: "missing or malformed fields", Fields: fields}
}

func tenantInactiveError() *Error {
	return &Error{Code: CodeTenantInactive, Detail: "tenant is not active"}
}

func rateExceededError(tier string) *Error {
	return &Error{Code: CodeRateExceeded, Detail: "rate cap exhausted", Tier: tier}
}

func domainNotAllowedError(domain string) *Error {
	return &Error{Code: CodeDomainNotAllowed, Detail: "sender domain not verified: " + domain}
}

func suppressedError(email string) *Error {
	return &Error{Code: CodeSuppressed, Detail: "recipient is suppressed: " + email}
}

func reputationBlockedError(domain string) *Error {
	return &Error{Code: CodeReputationBlocked, Detail: "recipient domain reputation blocks delivery: " + domain}
}

func duplicateMessageError(messageID string) *Error {
	return &Error{Code: CodeDuplicateMessage, Detail: "message id already exists: " + messageID}
}

func storeUnavailableError(cause error) *Error {
	return &Error{Code: CodeStoreUnavailable, Detail: cause.Error()}
}

func rolledBackError() *Error {
	return &Error{Code: CodeRolledBack, Detail: "rollout percent excludes this request's cohort"}
}
