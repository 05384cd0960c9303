package storage

import "errors"

// ErrPositionNotFound is returned when no position exists for a ticker.
var ErrPositionNotFound = errors.New("position not found")

// ErrPositionClosed is returned when a mutation targets a closed position.
var ErrPositionClosed = errors.New("position already closed")

// ErrNoFailedOrder is returned when a queue operation names an absent ticker.
var ErrNoFailedOrder = errors.New("no failed order for ticker")
