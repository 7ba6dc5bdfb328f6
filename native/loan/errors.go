package loan

import "errors"

var (
	// ErrUnauthorized marks calls whose caller fails the role check for the
	// attempted transition.
	ErrUnauthorized = errors.New("loan: caller not authorized")
	// ErrInvalidState marks transitions attempted in the wrong lifecycle
	// phase.
	ErrInvalidState = errors.New("loan: invalid lifecycle state")
	// ErrInvalidTransition marks illegal moves between token sub-lists.
	ErrInvalidTransition = errors.New("loan: invalid token transition")
	// ErrNotTokenOwner marks accept/decline attempts by anyone other than
	// the token's current owner.
	ErrNotTokenOwner = errors.New("loan: caller is not the token owner")
	// ErrAlreadyInLoan marks attempts to attach a token the loan already
	// references.
	ErrAlreadyInLoan = errors.New("loan: token already in loan")
	// ErrNotInLoan marks operations on a token the loan does not reference.
	ErrNotInLoan = errors.New("loan: token not in loan")
	// ErrLoanNotFound marks lookups of unknown loan ids.
	ErrLoanNotFound = errors.New("loan: loan not found")

	errNilState       = errors.New("loan: state not configured")
	errNilRegistry    = errors.New("loan: token registry not configured")
	errNoTokens       = errors.New("loan: token list must not be empty")
	errInvalidWindow  = errors.New("loan: start date and duration must define a future window")
	errInvalidDeposit = errors.New("loan: deposit must not be negative")
	errLoanBusy       = errors.New("loan: operation already in progress")
)
