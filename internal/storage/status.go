package storage

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusStaged    Status = "staged"    // Selected by a plan, not yet checked
	StatusValidated Status = "validated" // Operator approved
	StatusSubmitted Status = "submitted" // Order sent to the broker
	StatusFilled    Status = "filled"    // Position open; margin now lives in the account
	StatusCancelled Status = "cancelled" // Withdrawn before fill
	StatusRejected  Status = "rejected"  // Broker or operator rejected
	StatusExpired   Status = "expired"   // Order lapsed unfilled
)

// IsCommitted reports whether entries in this status reserve margin.
func (s Status) IsCommitted() bool {
	switch s {
	case StatusStaged, StatusValidated, StatusSubmitted:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// StatusTransition defines one allowed status change
type StatusTransition struct {
	From        Status
	To          Status
	Description string
}

// ValidTransitions lists the allowed status changes
var ValidTransitions = []StatusTransition{
	{StatusStaged, StatusValidated, "Operator approved trade"},
	{StatusStaged, StatusCancelled, "Trade withdrawn before validation"},
	{StatusStaged, StatusRejected, "Trade failed validation"},
	{StatusValidated, StatusSubmitted, "Order sent to broker"},
	{StatusValidated, StatusCancelled, "Trade withdrawn before submission"},
	{StatusSubmitted, StatusFilled, "Order filled"},
	{StatusSubmitted, StatusCancelled, "Order cancelled"},
	{StatusSubmitted, StatusRejected, "Order rejected by broker"},
	{StatusSubmitted, StatusExpired, "Order expired unfilled"},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
