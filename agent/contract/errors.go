package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("schema violation")
	ErrPromptMissing   = errors.New("prompt missing")
	ErrValidation      = errors.New("validation failed")

	ErrUnknownIdentity    = errors.New("unknown identity")
	ErrForbidden          = errors.New("capability not entitled")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrSpecialistFailed   = errors.New("specialist failed")
	ErrSpecialistTimeout  = errors.New("specialist timed out")
	ErrSynthesisFailed    = errors.New("synthesis failed")
	ErrRetrievalFailed    = errors.New("knowledge retrieval failed")
)
