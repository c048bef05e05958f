package errs

// Admission rejection codes. All are client-caused and non-retriable by
// the core: the caller must regenerate and resubmit.
const (
	AdmissionErrMalformedIntent    = "ADMISSION_MALFORMED_INTENT"
	AdmissionErrUnknownOrExpired   = "ADMISSION_UNKNOWN_OR_EXPIRED_SESSION"
	AdmissionErrActionNotAllowed   = "ADMISSION_ACTION_NOT_ALLOWED"
	AdmissionErrBadSignature       = "ADMISSION_BAD_SIGNATURE"
	AdmissionErrVolumeCapExceeded  = "ADMISSION_VOLUME_CAP_EXCEEDED"
	AdmissionErrDuplicateNonce     = "ADMISSION_DUPLICATE_NONCE"
	AdmissionErrDuplicateID        = "ADMISSION_DUPLICATE_ID"
	AdmissionErrConflictingPending = "ADMISSION_CONFLICTING_PENDING_INTENT"
)

const AdmissionDomain = "admission"

const (
	OpSubmitIntent    = "SubmitIntent"
	OpVerifySignature = "VerifySignature"
	OpCheckPolicy     = "CheckPolicy"
	OpCheckConflict   = "CheckConflict"
)

// NewAdmissionError builds a rejection with the given code.
func NewAdmissionError(code, message string) error {
	return &Error{Domain: AdmissionDomain, Code: code, Message: message}
}

// AdmissionWrap wraps err as an admission-domain failure for the named operation.
func AdmissionWrap(err error, operation, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Domain: AdmissionDomain, Operation: operation, Message: message, Original: err}
}

// IsAdmissionError reports whether err is an admission error with the given code.
func IsAdmissionError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == AdmissionDomain && domainErr.Code == code
	}
	return false
}
