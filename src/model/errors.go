package model

import "errors"

// Domain errors returned by the matching, settlement and escrow layers.
// Handlers translate these to HTTP status codes; everything else matches
// them with errors.Is.
var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("actor not allowed")
	ErrInsufficientLiquidity = errors.New("insufficient offer liquidity")
	ErrOutOfBounds           = errors.New("amount outside offer bounds")
	ErrOfferUnavailable      = errors.New("offer unavailable")
	ErrOfferInUse            = errors.New("offer has open orders")
	ErrInvalidState          = errors.New("invalid order state for operation")
	ErrConflict              = errors.New("concurrent update lost, refetch and retry")
	ErrExpired               = errors.New("order expired")
	ErrEscrowLockFailed      = errors.New("escrow lock failed")
	ErrEscrowReleaseFailed   = errors.New("escrow release failed")
	ErrEscrowRefundFailed    = errors.New("escrow refund failed")
	ErrAlreadySettled        = errors.New("escrow already settled")
)
