package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownMarket     = errors.New("unknown market")
	ErrInvalidCommand    = errors.New("invalid command")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrContention        = errors.New("too much contention")
	ErrLockHeld          = errors.New("lock held by another owner")
)
