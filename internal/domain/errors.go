package domain

import "errors"

var (
	ErrNotFound                    = errors.New("not found")
	ErrChargeableNotFound          = errors.New("chargeable not found")
	ErrAmbiguousChargeableArguments = errors.New("both purchase and charge supplied")
	ErrMissingChargeableArguments  = errors.New("neither purchase nor charge supplied")
	ErrInvalidDisputeTransition    = errors.New("invalid dispute transition")
	ErrDisputeAlreadyFormalized    = errors.New("dispute already formalized")
	ErrBalanceAlreadyApplied       = errors.New("balance effect already applied for this purchase")
	ErrCurrencyMismatch            = errors.New("currency mismatch")
	ErrVersionConflict             = errors.New("optimistic lock conflict")
	ErrFeeExceedsCharge            = errors.New("processor fee exceeds charge amount")
)
