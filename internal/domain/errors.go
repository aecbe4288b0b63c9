package domain

import "errors"

// Revert reasons. Operations wrap these with context; callers match with errors.Is.
var (
	ErrNotOwner                  = errors.New("Ownable: caller is not the owner")
	ErrGovernorTransactionFailed = errors.New("Governor__TransactionFailed")
	ErrEscrowTransactionFailed   = errors.New("Freelanco__TransactionFailed")
	ErrInvalidGig                = errors.New("Freelanco__InvalidGig")
	ErrInvalidOfferState         = errors.New("Freelanco__InvalidOfferState")
	ErrInvalidProposal           = errors.New("Governor__InvalidProposal")
	ErrVoteNotActive             = errors.New("Governor: vote not currently active")
	ErrAlreadyVoted              = errors.New("GovernorVotingSimple: vote already cast")
	ErrInvalidVoteType           = errors.New("GovernorVotingSimple: invalid value for enum VoteType")
	ErrTimelockNotReady          = errors.New("TimelockController: operation is not ready")
	ErrUnableToCancel            = errors.New("Governor: too late to cancel")
	ErrNeedMoreETHSent           = errors.New("DaoNFT__NeedMoreETHSent")
	ErrOnlyCoordinator           = errors.New("OnlyCoordinatorCanFulfill")
	ErrUnauthorizedTransmitter   = errors.New("UnauthorizedTransmitter")
	ErrRequestNotPending         = errors.New("RequestIsNotPending")
	ErrRequestOutstanding        = errors.New("Governor__RequestOutstanding")
	ErrInvalidSubscription       = errors.New("InvalidSubscription")
	ErrGasLimitTooBig            = errors.New("GasLimitTooBig")
	ErrInsufficientReputation    = errors.New("Reputation__InsufficientReputation")
	ErrInsufficientBalance       = errors.New("insufficient balance")
)

// IsAuthorization reports whether err is a caller/role failure.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrGovernorTransactionFailed) ||
		errors.Is(err, ErrOnlyCoordinator) ||
		errors.Is(err, ErrUnauthorizedTransmitter)
}

// IsState reports whether err is a lifecycle-state failure.
func IsState(err error) bool {
	return errors.Is(err, ErrInvalidOfferState) ||
		errors.Is(err, ErrInvalidProposal) ||
		errors.Is(err, ErrVoteNotActive) ||
		errors.Is(err, ErrAlreadyVoted) ||
		errors.Is(err, ErrTimelockNotReady) ||
		errors.Is(err, ErrUnableToCancel) ||
		errors.Is(err, ErrRequestNotPending) ||
		errors.Is(err, ErrRequestOutstanding)
}

// IsValue reports whether err is a payment or argument failure.
func IsValue(err error) bool {
	return errors.Is(err, ErrEscrowTransactionFailed) ||
		errors.Is(err, ErrInvalidGig) ||
		errors.Is(err, ErrNeedMoreETHSent) ||
		errors.Is(err, ErrInvalidVoteType) ||
		errors.Is(err, ErrInvalidSubscription) ||
		errors.Is(err, ErrGasLimitTooBig) ||
		errors.Is(err, ErrInsufficientReputation) ||
		errors.Is(err, ErrInsufficientBalance)
}
