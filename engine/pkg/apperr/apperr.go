// Package apperr defines the stable error kinds and codes returned by the
// compensation engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers should react to them.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindEligibility Kind = "eligibility"
	KindTransient   Kind = "transient"
	KindInvariant   Kind = "invariant"
	KindInternal    Kind = "internal"
)

// Error is a classified engine error. Values are used as sentinels and wrapped
// with detail via Wrapf.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrapf annotates a sentinel with detail while keeping errors.Is matches.
func Wrapf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// As extracts the classified error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or "internal_error".
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "internal_error"
}

var (
	ErrInvalidInput      = New(KindValidation, "invalid_input", "invalid input")
	ErrInvalidAmount     = New(KindValidation, "invalid_amount", "amount must be positive")
	ErrUserNotFound      = New(KindNotFound, "user_not_found", "user not found")
	ErrReferralCodeTaken = New(KindConflict, "referral_code_taken", "referral code already in use")

	// Sponsorship and matrix placement.
	ErrSponsorNotFound = New(KindValidation, "sponsor_not_found", "sponsor not found")
	ErrSponsorInactive = New(KindEligibility, "sponsor_inactive", "sponsor account is not active")
	ErrInvalidSponsor  = New(KindValidation, "invalid_sponsor", "sponsor is the user or one of its descendants")
	ErrAlreadyPlaced   = New(KindConflict, "already_placed", "user is already placed")
	ErrNotPlaced       = New(KindConflict, "not_placed", "user has no sponsor yet")
	ErrMatrixLevelFull = New(KindConflict, "matrix_level_full", "matrix level has no open position")
	ErrInvalidLevel    = New(KindValidation, "invalid_level", "matrix level out of range")

	// Ledger.
	ErrDuplicateRef        = New(KindConflict, "duplicate_ref", "ledger ref already applied")
	ErrEntryNotFound       = New(KindNotFound, "entry_not_found", "ledger entry not found")
	ErrInsufficientBalance = New(KindEligibility, "insufficient_balance", "insufficient wallet balance")
	ErrLedgerFrozen        = New(KindInvariant, "ledger_frozen", "wallet is frozen pending reconciliation")
	ErrInvariantViolation  = New(KindInvariant, "invariant_violation", "wallet balance does not match ledger")

	// Commissions.
	ErrBuyerNotFound       = New(KindNotFound, "buyer_not_found", "buyer has no account")
	ErrPurchaseRefConflict = New(KindConflict, "purchase_ref_conflict", "purchase ref already recorded for a different buyer")

	// Pool distribution.
	ErrInvalidPeriod          = New(KindValidation, "invalid_period", "period end must be after period start")
	ErrPeriodConflict         = New(KindConflict, "period_conflict", "period start already distributed with a different end")
	ErrDistributionNotFound   = New(KindNotFound, "distribution_not_found", "distribution not found")
	ErrNoEligibleParticipants = New(KindEligibility, "no_eligible_participants", "no eligible participants at level")

	// Installments.
	ErrInvalidSchedule     = New(KindValidation, "invalid_schedule", "installment schedule is invalid")
	ErrInstallmentNotFound = New(KindNotFound, "installment_not_found", "installment not found")
	ErrNotTerminal         = New(KindConflict, "not_terminal", "installment is not terminally failed")
	ErrSettlementTimeout   = New(KindTransient, "settlement_timeout", "settlement attempt timed out")

	// Withdrawals.
	ErrKycNotApproved   = New(KindEligibility, "kyc_not_approved", "KYC is not approved")
	ErrBelowMinimum     = New(KindValidation, "below_minimum", "amount is below the withdrawal minimum")
	ErrInvalidMethod    = New(KindValidation, "invalid_method", "unsupported withdrawal method")
	ErrInvalidAction    = New(KindValidation, "invalid_action", "action must be approve or reject")
	ErrRequestNotFound  = New(KindNotFound, "request_not_found", "withdrawal request not found")
	ErrAlreadyProcessed = New(KindConflict, "already_processed", "withdrawal request already processed")
)
