package errs

// Store error codes.
const (
	StoreErrDuplicateID    = "STORE_DUPLICATE_ID"
	StoreErrDuplicateNonce = "STORE_DUPLICATE_NONCE"
	StoreErrAlreadySettled = "STORE_ALREADY_SETTLED"
	StoreErrTransient      = "STORE_TRANSIENT"
	StoreErrFatal          = "STORE_FATAL"
)

const StoreDomain = "store"

const (
	OpInsertIntent           = "InsertIntent"
	OpLoadPendingIntents     = "LoadPendingIntents"
	OpPersistBatchAtomically = "PersistBatchAtomically"
	OpMarkBatchSettled       = "MarkBatchSettled"
	OpFindOldestUnsettled    = "FindOldestUnsettledBatch"
)

// NewStoreError builds a store-domain error.
func NewStoreError(code, message string) error {
	return &Error{Domain: StoreDomain, Code: code, Message: message}
}

// StoreWrap wraps err as a store-domain failure for the named operation.
func StoreWrap(err error, operation, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Domain: StoreDomain, Operation: operation, Message: message, Original: err}
}

// IsStoreError reports whether err is a store error with the given code.
func IsStoreError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == StoreDomain && domainErr.Code == code
	}
	return false
}
