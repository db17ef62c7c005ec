package session

import (
	"errors"
	"fmt"
)

// Kind classifies what went wrong. The set is closed: callers switch
// over it exhaustively instead of inspecting message text.
type Kind int

const (
	KindValidation         Kind = iota // Malformed input, nothing happened
	KindPolicyDenied                   // Local pre-flight check failed, nothing happened
	KindServerRejected                 // Authority received, understood, and refused
	KindNetworkFailure                 // No definitive server response
	KindPipelineStepFailed             // A pipeline step failed after earlier steps paid out
	KindSettlementAmbiguous            // Confirm/refund/close itself failed; outcome unresolved
	KindSessionInactive                // Session is not open
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicyDenied:
		return "policy_denied"
	case KindServerRejected:
		return "server_rejected"
	case KindNetworkFailure:
		return "network_failure"
	case KindPipelineStepFailed:
		return "pipeline_step_failed"
	case KindSettlementAmbiguous:
		return "settlement_ambiguous"
	case KindSessionInactive:
		return "session_inactive"
	default:
		return "unknown"
	}
}

// FundsStatus says where the money stands after an error. Never
// inferred from message text; every error path sets it explicitly.
type FundsStatus string

const (
	FundsNoChange       FundsStatus = "no_change"
	FundsHeldPending    FundsStatus = "held_pending"
	FundsSpent          FundsStatus = "spent"
	FundsRefunded       FundsStatus = "refunded"
	FundsLockedInEscrow FundsStatus = "locked_in_escrow"
	FundsUnknown        FundsStatus = "unknown"
)

// Error is the typed error for all session operations. Guidance tells a
// human (or their agent) what to do next; FundsStatus tells a machine
// whether money moved.
type Error struct {
	Kind        Kind
	FundsStatus FundsStatus
	Message     string
	Guidance    string
	Err         error // underlying cause, if any

	// Pipeline context, set only for KindPipelineStepFailed.
	FailedStep   int
	ConfirmedSum string
	Refunded     string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (funds: %s): %s: %v", e.Kind, e.FundsStatus, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (funds: %s): %s", e.Kind, e.FundsStatus, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationErr(format string, args ...any) *Error {
	return &Error{
		Kind:        KindValidation,
		FundsStatus: FundsNoChange,
		Message:     fmt.Sprintf(format, args...),
		Guidance:    "fix the input and retry",
	}
}

func policyDenied(format string, args ...any) *Error {
	return &Error{
		Kind:        KindPolicyDenied,
		FundsStatus: FundsNoChange,
		Message:     fmt.Sprintf(format, args...),
		Guidance:    "the request exceeds this session's budget or scope; no funds moved",
	}
}

func inactiveErr(op string) *Error {
	return &Error{
		Kind:        KindSessionInactive,
		FundsStatus: FundsNoChange,
		Message:     op + " on inactive session",
		Guidance:    "open the session before use; closed sessions cannot be reopened",
	}
}

// AsError extracts a session *Error from err if it carries one.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
