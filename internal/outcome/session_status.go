package outcome

// SessionStatus is the lifecycle state of a call session.
type SessionStatus string

const (
	StatusInitiated SessionStatus = "initiated"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether s can never change again.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsSettled reports whether a vendor report closes the session, either
// because the vendor status is final or because the outcome alone is.
func IsSettled(vendorStatus string, o Outcome) bool {
	return IsTerminalStatus(vendorStatus) || IsTerminal(o)
}

// TerminalSessionStatus picks completed or failed for a settled session.
// A vendor "completed" is not enough by itself to mean success unless the
// outcome is a real one or the vendor explicitly reports completed/ended.
func TerminalSessionStatus(vendorStatus string, o Outcome) SessionStatus {
	if IsSuccessful(o) || IsExplicitCompletion(vendorStatus) {
		return StatusCompleted
	}
	return StatusFailed
}
