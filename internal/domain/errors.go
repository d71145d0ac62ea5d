package domain

import "errors"

// Settlement errors. Callers match them with errors.Is; the settlement
// package wraps them with operation context.
var (
	ErrNotOpen          = errors.New("market not open")
	ErrAlreadyResolved  = errors.New("market already resolved")
	ErrOracleNotFinal   = errors.New("adjudicator answer not final")
	ErrInvalidOutcome   = errors.New("invalid outcome payload")
	ErrBadAmount        = errors.New("bad amount")
	ErrPoolInsufficient = errors.New("collateral pool insufficient")
	ErrReentrant        = errors.New("reentrant call")
	ErrInvalidConfig    = errors.New("invalid market config")
)

// Infrastructure errors.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrLockHeld            = errors.New("lock already held")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateRequest    = errors.New("duplicate request")
)
