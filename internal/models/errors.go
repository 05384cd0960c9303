package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures independently of transport so that the retry,
// breaker, and session layers can branch without string matching at the edges.
type ErrorKind string

const (
	// KindUnknown is the zero classification for unwrapped errors.
	KindUnknown ErrorKind = "unknown"
	// KindAuthExpired means the broker rejected the session token.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindRateLimited means the broker is throttling us.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTransient covers 5xx responses and network failures.
	KindTransient ErrorKind = "transient"
	// KindCircuitOpen means the endpoint's breaker is cooling down.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindInsufficientData means historical bars were fewer than required.
	KindInsufficientData ErrorKind = "insufficient_data"
	// KindInsufficientFunds means available cash could not cover the order.
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	// KindDuplicateOrder means the broker reports the order already exists.
	KindDuplicateOrder ErrorKind = "duplicate_order"
	// KindBrokerReject is a hard validation failure (bad symbol, bad qty).
	KindBrokerReject ErrorKind = "broker_reject"
	// KindPersistence means the ledger could not be written.
	KindPersistence ErrorKind = "persistence_error"
	// KindManualTrade marks a holdings/ledger divergence event.
	KindManualTrade ErrorKind = "manual_trade"
)

// TradeError wraps an underlying error with its classification and the
// operation that produced it.
type TradeError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *TradeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *TradeError) Unwrap() error {
	return e.Err
}

// NewTradeError wraps err with a kind and operation name.
func NewTradeError(kind ErrorKind, op string, err error) *TradeError {
	return &TradeError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, walking the wrap chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the retry policy should reissue the attempt.
// Auth errors are excluded: the session guard owns that retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}
