// Package models provides data structures and state management for trading positions.
package models

import (
	"fmt"
	"time"
)

// ExitState represents where a position sits in the sell-side lifecycle.
type ExitState string

const (
	// StateInitial means the position is open with no sell order working yet.
	StateInitial ExitState = "initial"
	// StateOrderPlaced means the first trailing sell limit has been placed.
	StateOrderPlaced ExitState = "order_placed"
	// StateTracking means the sell order is live and being monitored.
	StateTracking ExitState = "tracking"
	// StateOrderUpdated means the sell order was just cancelled and replaced lower.
	StateOrderUpdated ExitState = "order_updated"
	// StateOrderComplete means the broker reported the sell order filled.
	StateOrderComplete ExitState = "order_complete"
	// StateClosed is terminal; the position is closed and bookkeeping is done.
	StateClosed ExitState = "closed"
)

// Transition conditions. Conditions are part of the transition key so that
// a closed position always records how it got there.
const (
	ConditionSellPlaced      = "sell_placed"
	ConditionTrackingStarted = "tracking_started"
	ConditionTrailLowered    = "trail_lowered"
	ConditionTrackingResumed = "tracking_resumed"
	ConditionSellFilled      = "sell_filled"
	ConditionPositionClosed  = "position_closed"
	ConditionManualSell      = "manual_sell"
	ConditionManualAdjust    = "manual_adjust"
)

// StateTransition defines a valid exit-state transition.
type StateTransition struct {
	From        ExitState
	To          ExitState
	Condition   string
	Description string
}

// ValidTransitions enumerates the sell-side lifecycle:
// initial -> order_placed -> (tracking <-> order_updated) -> order_complete -> closed.
// Closed is also reachable from any live state when the reconciler detects a
// manual sell at the broker.
var ValidTransitions = []StateTransition{
	{StateInitial, StateOrderPlaced, ConditionSellPlaced, "Trailing sell limit placed at EMA9"},
	{StateOrderPlaced, StateTracking, ConditionTrackingStarted, "Sell order confirmed open, monitoring"},
	{StateTracking, StateOrderUpdated, ConditionTrailLowered, "Cancelled and replaced at a lower EMA9"},
	{StateOrderUpdated, StateTracking, ConditionTrackingResumed, "Replacement confirmed, back to monitoring"},

	{StateOrderPlaced, StateOrderComplete, ConditionSellFilled, "Sell filled before first monitor pass"},
	{StateTracking, StateOrderComplete, ConditionSellFilled, "Sell order filled"},
	{StateOrderUpdated, StateOrderComplete, ConditionSellFilled, "Replacement order filled"},
	{StateOrderComplete, StateClosed, ConditionPositionClosed, "Exit reconciled into the ledger"},

	// Reconciler-initiated closes: the broker shows the shares gone.
	{StateInitial, StateClosed, ConditionManualSell, "Manual sell detected before any sell was placed"},
	{StateOrderPlaced, StateClosed, ConditionManualSell, "Manual sell detected with order working"},
	{StateTracking, StateClosed, ConditionManualSell, "Manual sell detected while tracking"},
	{StateOrderUpdated, StateClosed, ConditionManualSell, "Manual sell detected during replacement"},
}

// StateMachine tracks exit-state transitions for one position.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[ExitState]int
	currentState    ExitState
	previousState   ExitState
}

// NewStateMachine creates a machine at the start of the exit lifecycle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateInitial,
		previousState:   StateInitial,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[ExitState]int),
	}
}

// NewStateMachineFromState rebuilds a machine around a persisted canonical state.
// Used when loading the ledger: the runtime machine is not serialized.
func NewStateMachineFromState(state ExitState) *StateMachine {
	sm := NewStateMachine()
	if state != "" {
		sm.currentState = state
		sm.previousState = state
	}
	return sm
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() ExitState {
	return sm.currentState
}

// GetPreviousState returns the previous state.
func (sm *StateMachine) GetPreviousState() ExitState {
	return sm.previousState
}

// IsValidTransition checks if a transition is allowed from the current state.
func (sm *StateMachine) IsValidTransition(to ExitState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state.
func (sm *StateMachine) Transition(to ExitState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times the machine entered a state.
// Tracking/order_updated counts grow as the trail ratchets down.
func (sm *StateMachine) GetTransitionCount(state ExitState) int {
	return sm.transitionCount[state]
}

// IsTerminal reports whether the machine reached its final state.
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateClosed
}

// HasLiveOrder reports whether the current state implies a working sell order.
func (sm *StateMachine) HasLiveOrder() bool {
	switch sm.currentState {
	case StateOrderPlaced, StateTracking, StateOrderUpdated:
		return true
	default:
		return false
	}
}

// GetStateDescription returns a human-readable description of the current state.
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateInitial:
		return "Open position, no sell order working"
	case StateOrderPlaced:
		return "Trailing sell limit placed, awaiting confirmation"
	case StateTracking:
		return "Sell order live, trailing EMA9 downward"
	case StateOrderUpdated:
		return "Sell order replaced at a lower level"
	case StateOrderComplete:
		return "Sell order filled, reconciling exit"
	case StateClosed:
		return "Position closed"
	default:
		return "Unknown state"
	}
}

// ValidateStateConsistency ensures the machine is internally coherent.
func (sm *StateMachine) ValidateStateConsistency() error {
	totalTransitions := 0
	for _, count := range sm.transitionCount {
		totalTransitions += count
	}
	if totalTransitions == 0 {
		if sm.currentState != sm.previousState {
			return fmt.Errorf("no transitions recorded but current (%s) differs from previous (%s)",
				sm.currentState, sm.previousState)
		}
		return nil
	}
	if sm.transitionTime.IsZero() {
		return fmt.Errorf("missing transition time: transitionTime is zero")
	}
	if sm.transitionCount[sm.currentState] == 0 {
		return fmt.Errorf("current state %s has no recorded entry", sm.currentState)
	}
	return nil
}

// Copy creates a deep copy of the StateMachine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	newSM.transitionCount = make(map[ExitState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}
	return newSM
}
