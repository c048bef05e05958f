package errs

// Netting assertion codes. Both are fatal: they indicate the Store or the
// admission layer let an invariant-violating state through, and the
// engine aborts the batch rather than persist a corrupt one.
const (
	NettingErrDeltaSumNotZero     = "NETTING_DELTA_SUM_NOT_ZERO"
	NettingErrEmptyBatchAfterForm = "NETTING_EMPTY_BATCH_AFTER_FORMATION"
)

const NettingDomain = "netting"

const (
	OpFormBatch    = "FormBatch"
	OpRunNetting   = "RunNetting"
	OpComputeHash  = "ComputeCommitmentHash"
	OpPersistBatch = "PersistBatch"
)

// NewNettingError builds a fatal netting-domain error.
func NewNettingError(code, message string) error {
	return &Error{Domain: NettingDomain, Code: code, Message: message}
}

// NettingWrap wraps err as a netting-domain failure for the named operation.
func NettingWrap(err error, operation, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Domain: NettingDomain, Operation: operation, Message: message, Original: err}
}

// IsNettingError reports whether err is a netting error with the given code.
func IsNettingError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == NettingDomain && domainErr.Code == code
	}
	return false
}
