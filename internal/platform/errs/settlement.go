package errs

// Settlement error codes.
const (
	SettlementErrTransientChain = "SETTLEMENT_TRANSIENT_CHAIN"
	SettlementErrAlreadySettled = "SETTLEMENT_ALREADY_SETTLED"
	SettlementErrPermanentChain = "SETTLEMENT_PERMANENT_CHAIN"
)

const SettlementDomain = "settlement"

const (
	OpBuildPayload    = "BuildPayload"
	OpSubmitBatch     = "SubmitBatch"
	OpMarkSettled     = "MarkSettled"
	OpRetrySettlement = "RetrySettlement"
)

// NewSettlementError builds a settlement-domain error.
func NewSettlementError(code, message string) error {
	return &Error{Domain: SettlementDomain, Code: code, Message: message}
}

// SettlementWrap wraps err as a settlement-domain failure for the named operation.
func SettlementWrap(err error, operation, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Domain: SettlementDomain, Operation: operation, Message: message, Original: err}
}

// IsSettlementError reports whether err is a settlement error with the given code.
func IsSettlementError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == SettlementDomain && domainErr.Code == code
	}
	return false
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return IsSettlementError(err, SettlementErrTransientChain)
}
