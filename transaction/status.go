package transaction

import (
	"fmt"
	"time"
)

// Action names a requested transition on a transaction.
type Action string

const (
	ActionExchange        Action = "exchange"
	ActionStartCoolingOff Action = "start_cooling_off"
	ActionRescind         Action = "rescind"
	ActionGoUnconditional Action = "go_unconditional"
	ActionStartSettling   Action = "start_settling"
	ActionSettle          Action = "settle"
	ActionCancel          Action = "cancel"
)

// transitions is the closed transition table. Settlement is reachable only
// through the full pending -> exchanged -> in_cooling_off -> unconditional ->
// settling chain; there are no shortcuts.
var transitions = map[Action]map[Status]Status{
	ActionExchange:        {StatusPending: StatusExchanged},
	ActionStartCoolingOff: {StatusExchanged: StatusInCoolingOff},
	ActionRescind:         {StatusInCoolingOff: StatusFallenThrough},
	ActionGoUnconditional: {StatusInCoolingOff: StatusUnconditional},
	ActionStartSettling:   {StatusUnconditional: StatusSettling},
	ActionSettle:          {StatusSettling: StatusSettled},
	ActionCancel: {
		StatusPending:       StatusFallenThrough,
		StatusExchanged:     StatusFallenThrough,
		StatusUnconditional: StatusFallenThrough,
		StatusSettling:      StatusFallenThrough,
	},
}

// InvalidTransitionError reports a guard failure: the transition is not legal
// from the current state, or a temporal guard was not met.
type InvalidTransitionError struct {
	Current Status
	Action  Action
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transaction: cannot %s while %s: %s", e.Action, e.Current, e.Reason)
	}
	return fmt.Sprintf("transaction: cannot %s while %s", e.Action, e.Current)
}

// next resolves the destination status for an action, or fails with an
// InvalidTransitionError. It performs no temporal checks.
func next(current Status, action Action) (Status, error) {
	to, ok := transitions[action][current]
	if !ok {
		return "", &InvalidTransitionError{Current: current, Action: action}
	}
	return to, nil
}

// AddBusinessDays advances t by n business days, skipping weekends. Statutory
// cooling-off windows are expressed in business days.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		n--
	}
	return t
}
