package common

import (
	"context"
	"errors"
)

// Kind classifies an error for callers that need to decide how to surface it.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindStateConflict Kind = "state_conflict"
	KindNotFound      Kind = "not_found"
	KindGateway       Kind = "gateway"
	KindDebounced     Kind = "debounced"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
)

var (
	// Validation
	ErrInvalidQuantity         = errors.New("invalid quantity")
	ErrInvalidPrice            = errors.New("invalid price")
	ErrInvalidStopLoss         = errors.New("invalid stop loss")
	ErrStopLossWithinTolerance = errors.New("stop loss change within tolerance")
	ErrUnknownInstrument       = errors.New("unknown instrument")
	ErrInvalidDecision         = errors.New("invalid confirmation decision")
	ErrInvalidMode             = errors.New("invalid trading mode")
	ErrUnknownAlgorithm        = errors.New("unknown stop loss algorithm")
	ErrInsufficientFunds       = errors.New("insufficient funds")

	// State conflicts
	ErrDuplicateOpenPosition = errors.New("duplicate open position")
	ErrAlreadyClosed         = errors.New("position already closed")
	ErrNotClosed             = errors.New("position not closed")
	ErrNotWaiting            = errors.New("position not waiting for auto buy")
	ErrNotPending            = errors.New("no pending re-entry")
	ErrToggleInProgress      = errors.New("mode switch already in progress")

	// Not found
	ErrPositionNotFound     = errors.New("position not found")
	ErrConfirmationNotFound = errors.New("confirmation not found")

	// Gateway
	ErrGatewayUnavailable = errors.New("broker gateway unavailable")
	ErrTokenExpired       = errors.New("broker token expired")
	ErrOrderRejected      = errors.New("order rejected")

	// Transient
	ErrDebounced = errors.New("debounced")

	ErrConfirmationTimeout = errors.New("confirmation timed out")
)

var kinds = map[error]Kind{
	ErrInvalidQuantity:         KindValidation,
	ErrInvalidPrice:            KindValidation,
	ErrInvalidStopLoss:         KindValidation,
	ErrStopLossWithinTolerance: KindValidation,
	ErrUnknownInstrument:       KindValidation,
	ErrInvalidDecision:         KindValidation,
	ErrInvalidMode:             KindValidation,
	ErrUnknownAlgorithm:        KindValidation,
	ErrInsufficientFunds:       KindValidation,
	ErrDuplicateOpenPosition:   KindStateConflict,
	ErrAlreadyClosed:           KindStateConflict,
	ErrNotClosed:               KindStateConflict,
	ErrNotWaiting:              KindStateConflict,
	ErrNotPending:              KindStateConflict,
	ErrToggleInProgress:        KindStateConflict,
	ErrPositionNotFound:        KindNotFound,
	ErrConfirmationNotFound:    KindNotFound,
	ErrGatewayUnavailable:      KindGateway,
	ErrTokenExpired:            KindGateway,
	ErrOrderRejected:           KindGateway,
	ErrDebounced:               KindDebounced,
	ErrConfirmationTimeout:     KindTimeout,
}

// KindOf reports the kind of the first known sentinel wrapped by err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}
