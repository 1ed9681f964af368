package model

// ErrorCode is a stable string attached to REJECTED outcomes. Clients map
// these to user-facing messages, so values must never change.
type ErrorCode string

// Location rules.
const (
	CodeLocationLocked        ErrorCode = "LOCATION_LOCKED"
	CodeLocationNotFound      ErrorCode = "LOCATION_NOT_FOUND"
	CodeLocationCycle         ErrorCode = "LOCATION_CYCLE"
	CodeLocationDepthExceeded ErrorCode = "LOCATION_DEPTH_EXCEEDED"
	CodeLocationCodeInvalid   ErrorCode = "LOCATION_CODE_INVALID"
	CodeLocationCodeTaken     ErrorCode = "LOCATION_CODE_TAKEN"
)

// Item and QR code rules.
const (
	CodeItemNotFound      ErrorCode = "ITEM_NOT_FOUND"
	CodeItemOutOfScope    ErrorCode = "ITEM_OUT_OF_SCOPE"
	CodeItemCodeTaken     ErrorCode = "ITEM_CODE_TAKEN"
	CodeItemAlreadyTagged ErrorCode = "ITEM_ALREADY_TAGGED"
	CodeQRAlreadyAssigned ErrorCode = "QR_ALREADY_ASSIGNED"
	CodeQRRetired         ErrorCode = "QR_RETIRED"
	CodeQRNotFound        ErrorCode = "QR_NOT_FOUND"
	CodeQRTokenTaken      ErrorCode = "QR_TOKEN_TAKEN"
)

// Audit workflow rules.
const (
	CodeAuditNotFound          ErrorCode = "AUDIT_NOT_FOUND"
	CodeAuditAlreadySubmitted  ErrorCode = "AUDIT_ALREADY_SUBMITTED"
	CodeAuditNotSubmitted      ErrorCode = "AUDIT_NOT_SUBMITTED"
	CodeAuditNotRejected       ErrorCode = "AUDIT_NOT_REJECTED"
	CodeAuditNoFindings        ErrorCode = "AUDIT_NO_FINDINGS"
	CodeAuditNotDraft          ErrorCode = "AUDIT_NOT_DRAFT"
	CodeAuditInvalidTransition ErrorCode = "AUDIT_INVALID_TRANSITION"
	CodeFindingNotFound        ErrorCode = "FINDING_NOT_FOUND"
	CodeInvalidStatus          ErrorCode = "INVALID_STATUS"
	CodeInvalidCondition       ErrorCode = "INVALID_CONDITION"
)

// Protocol-level failures.
const (
	CodeEntityNotFound        ErrorCode = "ENTITY_NOT_FOUND"
	CodeForbidden             ErrorCode = "FORBIDDEN"
	CodeOutOfScope            ErrorCode = "OUT_OF_SCOPE"
	CodeUnresolvedReference   ErrorCode = "UNRESOLVED_REFERENCE"
	CodeMalformedMutation     ErrorCode = "MALFORMED_MUTATION"
	CodeInvalidIdempotencyKey ErrorCode = "INVALID_IDEMPOTENCY_KEY"
	CodeUnsupportedOperation  ErrorCode = "UNSUPPORTED_OPERATION"
	CodeConcurrentWrite       ErrorCode = "CONCURRENT_WRITE"
)
