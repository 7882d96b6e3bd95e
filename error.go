package match

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an order id is unknown or already terminal.
	// It is expected under cancel/fill races and never aborts bulk operations.
	ErrNotFound = errors.New("not found")
	// ErrInvalidOrder rejects malformed price, quantity, side, type or symbol at admission.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrMarketClosed rejects admission on a suspended market.
	ErrMarketClosed = errors.New("market closed")
	// ErrEngineUnavailable is returned when a book is halted or not running.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrInvariantViolation marks a broken book invariant. The book halts when it sees one.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrUndeliverable marks a Notify error that no retry can fix.
	// The pipeline logs the event and moves that notifier on to the next one.
	ErrUndeliverable = errors.New("event undeliverable")

	ErrMarketNotFound = errors.New("market not found")
	ErrMarketExists   = errors.New("market already exists")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrTimeout        = errors.New("timeout")
	ErrShutdown       = errors.New("order book is shutting down")
	ErrSequenceGap    = errors.New("sequence gap")
	ErrChecksum       = errors.New("snapshot checksum mismatch")
)

func errInvariant(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvariantViolation}, args...)...)
}

func errInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidOrder}, args...)...)
}
