package loan

import (
	"math/big"

	"artledger/core/types"
)

// Status represents the lifecycle states of a loan. The numeric values are
// part of the persisted schema and must not be renumbered.
type Status uint8

const (
	StatusPreparing Status = 0
	StatusActive    Status = 2
	StatusFinished  Status = 3
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPreparing, StatusActive, StatusFinished:
		return true
	default:
		return false
	}
}

// Bucket identifies which of the three mutually exclusive per-loan token
// sub-lists a token currently occupies.
type Bucket uint8

const (
	BucketNotApproved Bucket = iota
	BucketApproved
	BucketDeclined
)

func (b Bucket) String() string {
	switch b {
	case BucketNotApproved:
		return "notApproved"
	case BucketApproved:
		return "approved"
	case BucketDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// Loan captures a time-boxed possession-transfer agreement over a set of
// tokens, from their current owners to the borrower, backed by a deposit.
type Loan struct {
	ID        uint64
	Owner     types.Address
	StartDate uint64
	Duration  uint64
	Price     *big.Int
	Status    Status
}

// Clone returns a deep copy of the loan so callers can safely mutate the copy
// without affecting the stored instance.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// Window returns the half-open active window [start, start+duration).
func (l *Loan) Window() (uint64, uint64) {
	return l.StartDate, l.StartDate + l.Duration
}

// Overlaps reports whether the loan's window intersects [start, start+duration).
func (l *Loan) Overlaps(start, duration uint64) bool {
	aStart, aEnd := l.Window()
	bStart, bEnd := start, start+duration
	return aStart < bEnd && bStart < aEnd
}

// TokenLists is the read-only snapshot of the three per-loan sub-lists.
// Ordering within each list is insertion order until a removal reorders it via
// swap-with-last; consumers must not assume a stable FIFO.
type TokenLists struct {
	NotApproved []uint64
	Approved    []uint64
	Declined    []uint64
}

// CreateResult reports the admission outcome of a loan creation. Declined
// carries the per-token partial failures that did not block the batch.
type CreateResult struct {
	LoanID      uint64
	NotApproved []uint64
	Approved    []uint64
	Declined    []uint64
}
