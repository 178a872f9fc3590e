package model

import (
	"escrowflow/internal/apperr"
)

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateSubmitted: {},
	},
	StateSubmitted: {
		StateUnderVerification: {},
	},
	StateUnderVerification: {
		StateApproved:  {},
		StateRejected:  {},
		StateSubmitted: {}, // superseding resubmission
	},
	StateRejected: {
		StateSubmitted: {},
		StatePending:   {},
		StateEscalated: {},
	},
	StateApproved: {
		StatePaymentReleased: {},
	},
	StateEscalated: {
		StatePending: {},
	},
	StatePaymentReleased: {},
}

func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return apperr.ErrInvariantBroken.WithMessagef("unknown milestone state %q", s)
	}
	return nil
}

func CanTransition(from, to State) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// ValidateTransition 非法流转返回 ErrInvalidTransition（conflict）
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return apperr.ErrInvalidTransition.WithMessagef("%s -> %s", from, to)
	}
	return nil
}

// CheckInvariants 每次保存前调用
// Released ⇒ verification Approved ⇒ 存在 submission
func CheckInvariants(m *Milestone) error {
	if err := ValidateState(m.State); err != nil {
		return err
	}

	switch m.Payment.Status {
	case PaymentPending:
		if m.State == StatePaymentReleased {
			return broken(m, "state payment_released with pending payment")
		}
	case PaymentReleased:
		if m.State != StatePaymentReleased {
			return broken(m, "payment released but state is "+string(m.State))
		}
		if m.Payment.ReleasedAt == nil {
			return broken(m, "payment released without timestamp")
		}
		if m.Verification == nil || m.Verification.Status != VerificationApproved {
			return broken(m, "payment released without approved verification")
		}
	default:
		return broken(m, "unknown payment status "+string(m.Payment.Status))
	}

	if m.Verification != nil {
		switch m.Verification.Status {
		case VerificationInProgress, VerificationRejected:
		case VerificationApproved:
			if m.CurrentSubmission() == nil {
				return broken(m, "approved verification without submission")
			}
		default:
			return broken(m, "unknown verification status "+string(m.Verification.Status))
		}
		if m.Verification.SubmissionVersion > m.CurrentVersion() {
			return broken(m, "verification refers to a future submission")
		}
	}

	switch m.State {
	case StateApproved:
		if m.Verification == nil || m.Verification.Status != VerificationApproved {
			return broken(m, "state approved without approved verification")
		}
	case StateUnderVerification, StateSubmitted:
		if m.CurrentSubmission() == nil {
			return broken(m, "state "+string(m.State)+" without submission")
		}
	case StatePending, StateRejected, StatePaymentReleased, StateEscalated:
	}

	for i, s := range m.Submissions {
		if s.Version != i+1 {
			return broken(m, "submission history out of order")
		}
	}
	if m.Payment.Amount != m.BudgetAmount {
		return broken(m, "payment amount differs from budget")
	}
	return nil
}

func broken(m *Milestone, msg string) error {
	return apperr.ErrInvariantBroken.WithMessagef("milestone %s: %s", m.ID, msg)
}
