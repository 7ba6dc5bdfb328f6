package loan

import (
	"encoding/hex"
	"strconv"
	"strings"

	"artledger/core/types"
)

const (
	EventTypeLoanCreated   = "loan.created"
	EventTypeLoanAccepted  = "loan.tokensAccepted"
	EventTypeLoanDeclined  = "loan.tokensDeclined"
	EventTypeLoanAttached  = "loan.tokensAttached"
	EventTypeLoanStarted   = "loan.started"
	EventTypeLoanBorrowed  = "loan.tokensBorrowed"
	EventTypeLoanStopped   = "loan.stopped"
	EventTypeLoanDeleted   = "loan.deleted"
	EventTypeLoanCancelled = "loan.tokensCancelled"
)

func tokensAttr(tokens []uint64) string {
	parts := make([]string, len(tokens))
	for i, id := range tokens {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

func loanAttrs(l *Loan) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	attrs["loanId"] = strconv.FormatUint(l.ID, 10)
	attrs["owner"] = hex.EncodeToString(l.Owner[:])
	attrs["startDate"] = strconv.FormatUint(l.StartDate, 10)
	attrs["duration"] = strconv.FormatUint(l.Duration, 10)
	if l.Price != nil {
		attrs["price"] = l.Price.String()
	}
	attrs["status"] = strconv.FormatUint(uint64(l.Status), 10)
	return attrs
}

// Created is emitted when a loan is admitted, carrying the per-token declines.
type Created struct {
	Loan     *Loan
	Declined []uint64
}

func (Created) EventType() string { return EventTypeLoanCreated }

func (e Created) Event() *types.Event {
	attrs := loanAttrs(e.Loan)
	if len(e.Declined) > 0 {
		attrs["declined"] = tokensAttr(e.Declined)
	}
	return &types.Event{Type: EventTypeLoanCreated, Attributes: attrs}
}

// Decided is emitted when token owners accept or decline pending tokens.
type Decided struct {
	LoanID   uint64
	Tokens   []uint64
	Approved bool
}

func (e Decided) EventType() string {
	if e.Approved {
		return EventTypeLoanAccepted
	}
	return EventTypeLoanDeclined
}

func (e Decided) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"loanId": strconv.FormatUint(e.LoanID, 10),
			"tokens": tokensAttr(e.Tokens),
		},
	}
}

// Attached is emitted when free slots of a Preparing loan are filled.
type Attached struct {
	LoanID uint64
	Tokens []uint64
}

func (Attached) EventType() string { return EventTypeLoanAttached }

func (e Attached) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLoanAttached,
		Attributes: map[string]string{
			"loanId": strconv.FormatUint(e.LoanID, 10),
			"tokens": tokensAttr(e.Tokens),
		},
	}
}

// Started is emitted when a loan transitions to Active.
type Started struct {
	Loan   *Loan
	Tokens []uint64
}

func (Started) EventType() string { return EventTypeLoanStarted }

func (e Started) Event() *types.Event {
	attrs := loanAttrs(e.Loan)
	attrs["tokens"] = tokensAttr(e.Tokens)
	return &types.Event{Type: EventTypeLoanStarted, Attributes: attrs}
}

// Borrowed is emitted when possession of approved tokens is re-affirmed.
type Borrowed struct {
	LoanID uint64
	Tokens []uint64
}

func (Borrowed) EventType() string { return EventTypeLoanBorrowed }

func (e Borrowed) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLoanBorrowed,
		Attributes: map[string]string{
			"loanId": strconv.FormatUint(e.LoanID, 10),
			"tokens": tokensAttr(e.Tokens),
		},
	}
}

// Stopped is emitted when a loan finishes and its tokens return home.
type Stopped struct {
	Loan   *Loan
	Tokens []uint64
}

func (Stopped) EventType() string { return EventTypeLoanStopped }

func (e Stopped) Event() *types.Event {
	attrs := loanAttrs(e.Loan)
	attrs["tokens"] = tokensAttr(e.Tokens)
	return &types.Event{Type: EventTypeLoanStopped, Attributes: attrs}
}

// Deleted is emitted when an uncommitted Preparing loan is removed.
type Deleted struct {
	Loan *Loan
}

func (Deleted) EventType() string { return EventTypeLoanDeleted }

func (e Deleted) Event() *types.Event {
	return &types.Event{Type: EventTypeLoanDeleted, Attributes: loanAttrs(e.Loan)}
}

// Cancelled is emitted when tokens are cancelled out of a loan.
type Cancelled struct {
	LoanID uint64
	Tokens []uint64
}

func (Cancelled) EventType() string { return EventTypeLoanCancelled }

func (e Cancelled) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLoanCancelled,
		Attributes: map[string]string{
			"loanId": strconv.FormatUint(e.LoanID, 10),
			"tokens": tokensAttr(e.Tokens),
		},
	}
}
