package types

import (
	"errors"
	"fmt"
)

// Stale-state and business rule errors. These are never retried by the
// transaction coordinator.
var (
	ErrListingNotFound    = errors.New("listing not found")
	ErrListingNotActive   = errors.New("listing is not active")
	ErrListingExpired     = fmt.Errorf("%w: auction has expired", ErrListingNotActive)
	ErrListingAlreadySold = fmt.Errorf("%w: listing already sold", ErrListingNotActive)
	ErrAuctionNotEnded    = fmt.Errorf("%w: auction has not ended yet", ErrListingNotActive)
	ErrAuctionHasBids     = errors.New("auction already has bids")
	ErrItemAlreadyListed  = errors.New("item already backs an active listing")
	ErrNotListingOwner    = errors.New("only the seller can cancel this listing")
	ErrSelfTrade          = errors.New("sellers cannot buy or bid on their own listing")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDeliveryNotFound   = errors.New("delivery not found")
)

// Store-level errors.
var (
	// ErrTransientConflict signals a concurrent modification detected by the
	// store, e.g. an optimistic version miss. Retried by the coordinator.
	ErrTransientConflict = errors.New("transient store conflict")
	// ErrSettlementFailed is returned once the retry budget for transient
	// conflicts is exhausted.
	ErrSettlementFailed = errors.New("settlement failed")
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
