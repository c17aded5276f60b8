package result

// ErrorCategory classifies a failed sync attempt. The set is closed; handlers
// must translate protocol errors into one of these values.
type ErrorCategory string

const (
	CategoryAuthError        ErrorCategory = "auth_error"
	CategoryAuthMissing      ErrorCategory = "auth_missing"
	CategoryAuthInvalid      ErrorCategory = "auth_invalid"
	CategoryRepoNotFound     ErrorCategory = "repo_not_found"
	CategoryRepoTypeUnknown  ErrorCategory = "repo_type_unknown"
	CategoryPermissionDenied ErrorCategory = "permission_denied"
	CategoryRateLimit        ErrorCategory = "rate_limit"
	CategoryTimeout          ErrorCategory = "timeout"
	CategoryNetwork          ErrorCategory = "network"
	CategoryServerError      ErrorCategory = "server_error"
	CategoryConnection       ErrorCategory = "connection"
	CategoryException        ErrorCategory = "exception"
	CategoryUnknown          ErrorCategory = "unknown"
	CategoryLeaseLost        ErrorCategory = "lease_lost"
	CategoryUnknownJobType   ErrorCategory = "unknown_job_type"
	CategoryLockHeld         ErrorCategory = "lock_held"
	CategoryContractError    ErrorCategory = "contract_error"
	CategoryCircuitOpen      ErrorCategory = "circuit_open"
)

// AllCategories lists every valid category.
var AllCategories = []ErrorCategory{
	CategoryAuthError, CategoryAuthMissing, CategoryAuthInvalid,
	CategoryRepoNotFound, CategoryRepoTypeUnknown, CategoryPermissionDenied,
	CategoryRateLimit, CategoryTimeout, CategoryNetwork, CategoryServerError,
	CategoryConnection, CategoryException, CategoryUnknown, CategoryLeaseLost,
	CategoryUnknownJobType, CategoryLockHeld, CategoryContractError,
	CategoryCircuitOpen,
}

var validCategories = func() map[ErrorCategory]bool {
	m := make(map[ErrorCategory]bool, len(AllCategories))
	for _, c := range AllCategories {
		m[c] = true
	}
	return m
}()

// IsValidCategory reports whether c is a member of the closed category set.
func IsValidCategory(c ErrorCategory) bool {
	return validCategories[c]
}

var nonRetryable = map[ErrorCategory]bool{
	CategoryAuthError:       true,
	CategoryAuthMissing:     true,
	CategoryAuthInvalid:     true,
	CategoryRepoNotFound:    true,
	CategoryRepoTypeUnknown: true,
	CategoryContractError:   true,
	CategoryUnknownJobType:  true,
}

// IsNonRetryable reports whether a failure with this category should send the
// job straight to dead instead of retrying.
func IsNonRetryable(c ErrorCategory) bool {
	return nonRetryable[c]
}

// IsSoftRequeue reports whether a failure with this category re-queues
// without consuming an attempt.
func IsSoftRequeue(c ErrorCategory) bool {
	return c == CategoryLockHeld || c == CategoryLeaseLost
}

// IsCircuitGated reports whether the failure is a breaker rejection, which
// does not count against the error budget.
func IsCircuitGated(c ErrorCategory) bool {
	return c == CategoryCircuitOpen
}
