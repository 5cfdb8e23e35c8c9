package offer

import "fmt"

// Action names a requested transition on an offer.
type Action string

const (
	ActionSubmit     Action = "submit"
	ActionMarkViewed Action = "mark_viewed"
	ActionAccept     Action = "accept"
	ActionReject     Action = "reject"
	ActionCounter    Action = "counter"
	ActionWithdraw   Action = "withdraw"
	ActionExpire     Action = "expire"
)

// transitions is the closed transition table. Accept, reject and counter are
// seller responses available only while the offer sits in front of the seller
// (submitted or viewed). A countered offer stays open for withdrawal and
// expiry but cannot be responded to again.
var transitions = map[Action]map[Status]Status{
	ActionSubmit:     {StatusDraft: StatusSubmitted},
	ActionMarkViewed: {StatusSubmitted: StatusViewed},
	ActionAccept: {
		StatusSubmitted: StatusAccepted,
		StatusViewed:    StatusAccepted,
	},
	ActionReject: {
		StatusSubmitted: StatusRejected,
		StatusViewed:    StatusRejected,
	},
	ActionCounter: {
		StatusSubmitted: StatusCountered,
		StatusViewed:    StatusCountered,
	},
	ActionWithdraw: {
		StatusDraft:     StatusWithdrawn,
		StatusSubmitted: StatusWithdrawn,
		StatusViewed:    StatusWithdrawn,
		StatusCountered: StatusWithdrawn,
	},
	ActionExpire: {
		StatusSubmitted: StatusExpired,
		StatusViewed:    StatusExpired,
		StatusCountered: StatusExpired,
	},
}

// InvalidTransitionError reports a guard failure on an offer transition.
type InvalidTransitionError struct {
	Current Status
	Action  Action
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("offer: cannot %s while %s: %s", e.Action, e.Current, e.Reason)
	}
	return fmt.Sprintf("offer: cannot %s while %s", e.Action, e.Current)
}

// next resolves the destination status for an action, or fails with an
// InvalidTransitionError.
func next(current Status, action Action) (Status, error) {
	to, ok := transitions[action][current]
	if !ok {
		return "", &InvalidTransitionError{Current: current, Action: action}
	}
	return to, nil
}
