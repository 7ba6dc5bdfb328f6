package loan

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"artledger/core/events"
	"artledger/core/types"
	nativecommon "artledger/native/common"
	"artledger/native/registry"
)

const moduleName = "loan"

var (
	loanCounterKey = []byte("loan/nextID")
	recordPrefix   = "loan/record/"
	borrowedPrefix = "loan/borrowed/"
)

func recordKey(loanID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", recordPrefix, loanID))
}

func borrowedKey(loanID, tokenID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/%d", borrowedPrefix, loanID, tokenID))
}

// dedupeTokens collapses repeated ids keeping first-occurrence order, so a
// request naming the same token twice validates and mutates it exactly once.
func dedupeTokens(tokenIDs []uint64) []uint64 {
	seen := make(map[uint64]bool, len(tokenIDs))
	out := make([]uint64, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

type storedLoan struct {
	ID        uint64
	Owner     [20]byte
	StartDate uint64
	Duration  uint64
	Price     *big.Int
	Status    uint8
}

// engineState is the subset of state manager functionality the engine needs
// beyond what the index consumes: record storage and deposit custody.
type engineState interface {
	indexState
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	Transfer(from, to types.Address, amount *big.Int) error
}

// TokenRegistry is the Base-module surface the engine consumes. Possession
// transfer may call out to arbitrary token-receiver code, which is why every
// sequence combining TransferPossession with index mutation runs under the
// per-loan re-entrancy guard.
type TokenRegistry interface {
	Exists(tokenID uint64) (bool, error)
	OwnerOf(tokenID uint64) (types.Address, error)
	TransferPossession(tokenID uint64, from, to types.Address) error
	SaleTypeOf(tokenID uint64) (registry.SaleType, error)
	SetSaleType(tokenID uint64, sale registry.SaleType) error
	AutoAcceptFrom(owner types.Address, role registry.AutoAcceptRole) (bool, error)
}

// Engine is the loan lifecycle state machine. It orchestrates index mutations,
// deposit custody and possession transfers through the token registry.
type Engine struct {
	state    engineState
	index    *Index
	registry TokenRegistry
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	nowFn    func() uint64

	vault    types.Address
	platform types.Address

	// inFlight guards against re-entrant calls for the same loan while an
	// external possession transfer is outstanding.
	inFlight map[uint64]bool
}

// NewEngine constructs a loan engine holding deposits on the vault address.
// The platform address passes the platform role check on privileged calls.
func NewEngine(vault, platform types.Address) *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		nowFn:    func() uint64 { return uint64(time.Now().Unix()) },
		vault:    vault,
		platform: platform,
		inFlight: make(map[uint64]bool),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.index = NewIndex(state)
}

// SetRegistry wires the engine to the token registry.
func (e *Engine) SetRegistry(reg TokenRegistry) { e.registry = reg }

// SetPauses configures the administrative pause switches consulted on every
// mutating call.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Index exposes the loan index for read-only consumers.
func (e *Engine) Index() *Index { return e.index }

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

// now reads the clock once per call; callers must not re-read it mid-call so
// every comparison inside one transition sees the same timestamp.
func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.index == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	return nil
}

// enter flips the per-loan in-progress flag, refusing re-entrant calls.
func (e *Engine) enter(loanID uint64) error {
	if e.inFlight[loanID] {
		return fmt.Errorf("%w: loan %d", errLoanBusy, loanID)
	}
	e.inFlight[loanID] = true
	return nil
}

func (e *Engine) leave(loanID uint64) {
	delete(e.inFlight, loanID)
}

func (e *Engine) loadLoan(loanID uint64) (*Loan, error) {
	var stored storedLoan
	ok, err := e.state.KVGet(recordKey(loanID), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrLoanNotFound, loanID)
	}
	price := stored.Price
	if price == nil {
		price = big.NewInt(0)
	}
	return &Loan{
		ID:        stored.ID,
		Owner:     stored.Owner,
		StartDate: stored.StartDate,
		Duration:  stored.Duration,
		Price:     price,
		Status:    Status(stored.Status),
	}, nil
}

func (e *Engine) storeLoan(l *Loan) error {
	stored := storedLoan{
		ID:        l.ID,
		Owner:     l.Owner,
		StartDate: l.StartDate,
		Duration:  l.Duration,
		Price:     l.Price,
		Status:    uint8(l.Status),
	}
	if stored.Price == nil {
		stored.Price = big.NewInt(0)
	}
	return e.state.KVPut(recordKey(l.ID), &stored)
}

func (e *Engine) nextLoanID() (uint64, error) {
	var next uint64
	ok, err := e.state.KVGet(loanCounterKey, &next)
	if err != nil {
		return 0, err
	}
	if !ok {
		next = 1
	}
	if err := e.state.KVPut(loanCounterKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func (e *Engine) roleFor(caller types.Address) registry.AutoAcceptRole {
	if caller == e.platform {
		return registry.RolePlatform
	}
	return registry.RoleOthers
}

// admissible classifies a single requested token without writing anything.
// A false verdict folds the token into the declined list instead of failing
// the batch.
func (e *Engine) admissible(tokenID uint64, startDate, duration uint64) (bool, error) {
	exists, err := e.registry.Exists(tokenID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	sale, err := e.registry.SaleTypeOf(tokenID)
	if err != nil {
		return false, err
	}
	if sale != registry.SaleNone {
		return false, nil
	}
	loanIDs, err := e.index.LoansOfToken(tokenID)
	if err != nil {
		return false, err
	}
	for _, existingID := range loanIDs {
		existing, err := e.loadLoan(existingID)
		if err != nil {
			return false, err
		}
		if existing.Status == StatusFinished {
			continue
		}
		if existing.Overlaps(startDate, duration) {
			return false, nil
		}
	}
	return true, nil
}

// Create admits a batch of tokens into a new Preparing loan. Admission is
// per-token: a token already claimed by another sale mechanism, referenced by
// a loan with an overlapping window, unknown, or duplicated within the batch
// lands in the declined list without blocking the rest. The deposit moves from
// the borrower to the loan vault pending resolution.
func (e *Engine) Create(caller types.Address, tokenIDs []uint64, startDate, duration uint64, deposit *big.Int) (*CreateResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if len(tokenIDs) == 0 {
		return nil, errNoTokens
	}
	now := e.now()
	if duration == 0 || startDate < now || duration > math.MaxUint64-startDate {
		return nil, errInvalidWindow
	}
	if deposit == nil {
		deposit = big.NewInt(0)
	}
	if deposit.Sign() < 0 {
		return nil, errInvalidDeposit
	}

	role := e.roleFor(caller)

	// Classification first, writes after: a failed read leaves no partial
	// admission behind.
	type verdict struct {
		tokenID   uint64
		bucket    Bucket
		duplicate bool
	}
	verdicts := make([]verdict, 0, len(tokenIDs))
	seen := make(map[uint64]bool, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		if seen[tokenID] {
			verdicts = append(verdicts, verdict{tokenID: tokenID, bucket: BucketDeclined, duplicate: true})
			continue
		}
		seen[tokenID] = true
		ok, err := e.admissible(tokenID, startDate, duration)
		if err != nil {
			return nil, err
		}
		if !ok {
			verdicts = append(verdicts, verdict{tokenID: tokenID, bucket: BucketDeclined})
			continue
		}
		owner, err := e.registry.OwnerOf(tokenID)
		if err != nil {
			return nil, err
		}
		auto, err := e.registry.AutoAcceptFrom(owner, role)
		if err != nil {
			return nil, err
		}
		if auto {
			verdicts = append(verdicts, verdict{tokenID: tokenID, bucket: BucketApproved})
		} else {
			verdicts = append(verdicts, verdict{tokenID: tokenID, bucket: BucketNotApproved})
		}
	}

	// Deposit custody before any index write: a broke borrower must not
	// leave partial admission state behind.
	if err := e.state.Transfer(caller, e.vault, deposit); err != nil {
		return nil, err
	}

	loanID, err := e.nextLoanID()
	if err != nil {
		return nil, err
	}
	result := &CreateResult{LoanID: loanID}
	for _, v := range verdicts {
		// A duplicate is reported declined but never indexed again: the
		// first occurrence already holds the token's membership slot.
		if !v.duplicate {
			if err := e.index.AddToken(loanID, v.tokenID, v.bucket); err != nil {
				return nil, err
			}
		}
		switch v.bucket {
		case BucketApproved:
			result.Approved = append(result.Approved, v.tokenID)
		case BucketNotApproved:
			result.NotApproved = append(result.NotApproved, v.tokenID)
		default:
			result.Declined = append(result.Declined, v.tokenID)
		}
	}

	l := &Loan{
		ID:        loanID,
		Owner:     caller,
		StartDate: startDate,
		Duration:  duration,
		Price:     new(big.Int).Set(deposit),
		Status:    StatusPreparing,
	}
	if err := e.storeLoan(l); err != nil {
		return nil, err
	}
	e.emit(Created{Loan: l.Clone(), Declined: append([]uint64(nil), result.Declined...)})
	return result, nil
}

// Accept moves the tokens from notApproved to approved. Only the current
// owner of every listed token may accept, and only while Preparing.
func (e *Engine) Accept(caller types.Address, loanID uint64, tokenIDs []uint64) error {
	return e.decide(caller, loanID, tokenIDs, BucketApproved)
}

// Decline moves the tokens from notApproved to declined. Only the current
// owner of every listed token may decline, and only while Preparing.
func (e *Engine) Decline(caller types.Address, loanID uint64, tokenIDs []uint64) error {
	return e.decide(caller, loanID, tokenIDs, BucketDeclined)
}

func (e *Engine) decide(caller types.Address, loanID uint64, tokenIDs []uint64, target Bucket) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if len(tokenIDs) == 0 {
		return errNoTokens
	}
	tokenIDs = dedupeTokens(tokenIDs)
	l, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if l.Status != StatusPreparing {
		return fmt.Errorf("%w: loan %d is %d", ErrInvalidState, loanID, l.Status)
	}
	// Validate every token before mutating so a bad entry aborts the whole
	// call without partial effects.
	for _, tokenID := range tokenIDs {
		owner, err := e.registry.OwnerOf(tokenID)
		if err != nil {
			return err
		}
		if owner != caller {
			return fmt.Errorf("%w: token %d", ErrNotTokenOwner, tokenID)
		}
		bucket, present, err := e.index.BucketOf(loanID, tokenID)
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("%w: token %d in loan %d", ErrNotInLoan, tokenID, loanID)
		}
		if bucket != BucketNotApproved {
			return fmt.Errorf("%w: token %d is %s", ErrInvalidTransition, tokenID, bucket)
		}
	}
	for _, tokenID := range tokenIDs {
		if err := e.index.MoveToken(loanID, tokenID, BucketNotApproved, target); err != nil {
			return err
		}
	}
	e.emit(Decided{LoanID: loanID, Tokens: append([]uint64(nil), tokenIDs...), Approved: target == BucketApproved})
	return nil
}

// AttachTokens fills free slots of a Preparing loan. A token already pending
// in the loan's notApproved list is promoted to approved; a new, currently
// eligible token enters approved directly. The caller must own every token.
func (e *Engine) AttachTokens(caller types.Address, loanID uint64, tokenIDs []uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if len(tokenIDs) == 0 {
		return errNoTokens
	}
	tokenIDs = dedupeTokens(tokenIDs)
	l, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if l.Status != StatusPreparing {
		return fmt.Errorf("%w: loan %d is %d", ErrInvalidState, loanID, l.Status)
	}
	free, err := e.index.HasFreeSlot(loanID)
	if err != nil {
		return err
	}
	if !free {
		return fmt.Errorf("%w: loan %d has no free slots", ErrInvalidState, loanID)
	}
	type attach struct {
		tokenID uint64
		pending bool
	}
	plan := make([]attach, 0, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		owner, err := e.registry.OwnerOf(tokenID)
		if err != nil {
			return err
		}
		if owner != caller && caller != e.platform {
			return fmt.Errorf("%w: token %d", ErrNotTokenOwner, tokenID)
		}
		bucket, present, err := e.index.BucketOf(loanID, tokenID)
		if err != nil {
			return err
		}
		if present {
			if bucket != BucketNotApproved {
				return fmt.Errorf("%w: token %d in loan %d", ErrAlreadyInLoan, tokenID, loanID)
			}
			plan = append(plan, attach{tokenID, true})
			continue
		}
		ok, err := e.admissible(tokenID, l.StartDate, l.Duration)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: token %d not eligible", ErrInvalidState, tokenID)
		}
		plan = append(plan, attach{tokenID, false})
	}
	for _, a := range plan {
		if a.pending {
			if err := e.index.MoveToken(loanID, a.tokenID, BucketNotApproved, BucketApproved); err != nil {
				return err
			}
		} else {
			if err := e.index.AddToken(loanID, a.tokenID, BucketApproved); err != nil {
				return err
			}
		}
	}
	e.emit(Attached{LoanID: loanID, Tokens: append([]uint64(nil), tokenIDs...)})
	return nil
}

// Start transitions the loan from Preparing to Active once the start date has
// been reached, distributes the held deposit pro rata to the approved tokens'
// owners, records the borrower in loans-per-owner and materializes possession
// of every approved token. Calling Start twice fails with ErrInvalidState.
func (e *Engine) Start(caller types.Address, loanID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	l, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if caller != l.Owner && caller != e.platform {
		return fmt.Errorf("%w: loan %d", ErrUnauthorized, loanID)
	}
	if l.Status != StatusPreparing {
		return fmt.Errorf("%w: loan %d is %d", ErrInvalidState, loanID, l.Status)
	}
	if e.now() < l.StartDate {
		return fmt.Errorf("%w: loan %d start date not reached", ErrInvalidState, loanID)
	}
	lists, err := e.index.TokensOf(loanID)
	if err != nil {
		return err
	}
	if len(lists.Approved) == 0 {
		return fmt.Errorf("%w: loan %d has no approved tokens", ErrInvalidState, loanID)
	}
	if err := e.enter(loanID); err != nil {
		return err
	}
	defer e.leave(loanID)

	if err := e.distributeDeposit(l, lists.Approved); err != nil {
		return err
	}
	l.Status = StatusActive
	if err := e.storeLoan(l); err != nil {
		return err
	}
	if err := e.index.AddLoanForOwner(l.Owner, loanID); err != nil {
		return err
	}
	if err := e.borrowTokens(l, lists.Approved); err != nil {
		return err
	}
	e.emit(Started{Loan: l.Clone(), Tokens: append([]uint64(nil), lists.Approved...)})
	return nil
}

// distributeDeposit splits the deposit equally between the approved tokens'
// owners, read at distribution time. Any integer remainder stays in the vault.
func (e *Engine) distributeDeposit(l *Loan, approved []uint64) error {
	if l.Price == nil || l.Price.Sign() == 0 || len(approved) == 0 {
		return nil
	}
	share := new(big.Int).Div(l.Price, big.NewInt(int64(len(approved))))
	if share.Sign() == 0 {
		return nil
	}
	for _, tokenID := range approved {
		owner, err := e.registry.OwnerOf(tokenID)
		if err != nil {
			return err
		}
		if err := e.state.Transfer(e.vault, owner, share); err != nil {
			return err
		}
	}
	return nil
}

// Borrow re-affirms possession of every approved token for an Active loan.
// Tokens whose possession already moved are skipped, so batched invocations
// converge on the same state as a single call.
func (e *Engine) Borrow(caller types.Address, loanID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	l, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if caller != l.Owner && caller != e.platform {
		return fmt.Errorf("%w: loan %d", ErrUnauthorized, loanID)
	}
	if l.Status != StatusActive {
		return fmt.Errorf("%w: loan %d is %d", ErrInvalidState, loanID, l.Status)
	}
	lists, err := e.index.TokensOf(loanID)
	if err != nil {
		return err
	}
	if err := e.enter(loanID); err != nil {
		return err
	}
	defer e.leave(loanID)
	if err := e.borrowTokens(l, lists.Approved); err != nil {
		return err
	}
	e.emit(Borrowed{LoanID: loanID, Tokens: append([]uint64(nil), lists.Approved...)})
	return nil
}

// borrowTokens moves possession of the listed tokens to the borrower,
// recording each token's origin owner for the eventual return. Idempotent per
// token. Callers must hold the per-loan guard: TransferPossession runs
// arbitrary receiver code before the borrowed marker lands.
func (e *Engine) borrowTokens(l *Loan, tokens []uint64) error {
	for _, tokenID := range tokens {
		var origin [20]byte
		ok, err := e.state.KVGet(borrowedKey(l.ID, tokenID), &origin)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		holder, err := e.registry.OwnerOf(tokenID)
		if err != nil {
			return err
		}
		if holder != l.Owner {
			if err := e.registry.TransferPossession(tokenID, holder, l.Owner); err != nil {
				return err
			}
		}
		if err := e.registry.SetSaleType(tokenID, registry.SaleLoan); err != nil {
			return err
		}
		if err := e.state.KVPut(borrowedKey(l.ID, tokenID), holder); err != nil {
			return err
		}
	}
	return nil
}

// returnToken undoes a recorded possession transfer. A token without a
// borrowed marker is left untouched, keeping the return idempotent.
func (e *Engine) returnToken(l *Loan, tokenID uint64) error {
	var origin [20]byte
	ok, err := e.state.KVGet(borrowedKey(l.ID, tokenID), &origin)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if origin != l.Owner {
		if err := e.registry.TransferPossession(tokenID, l.Owner, origin); err != nil {
			return err
		}
	}
	if err := e.registry.SetSaleType(tokenID, registry.SaleNone); err != nil {
		return err
	}
	return e.state.KVDelete(borrowedKey(l.ID, tokenID))
}

// Stop transitions the loan from Active to Finished, returning every borrowed
// token to its origin owner and purging the loan from all indexes. Anyone may
// stop an expired loan; before expiry only the borrower or the platform may.
// Stopping an already Finished loan is a no-op.
func (e *Engine) Stop(caller types.Address, loanID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	l, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if l.Status == StatusFinished {
		return nil
	}
	if l.Status != StatusActive {
		return fmt.Errorf("%w: loan %d is %d", ErrInvalidState, loanID, l.Status)
	}
	_, end := l.Window()
	if e.now() < end && caller != l.Owner && caller != e.platform {
		return fmt.Errorf("%w: loan %d not yet expired", ErrUnauthorized, loanID)
	}
	if err := e.enter(loanID); err != nil {
		return err
	}
	defer e.leave(loanID)
	return e.finishLoan(l)
}

// finishLoan performs the shared Active-to-Finished teardown: token return,
// index purge, status flip. The detail record is retained for history.
func (e *Engine) finishLoan(l *Loan) error {
	lists, err := e.index.TokensOf(l.ID)
	if err != nil {
		return err
	}
	for _, tokenID := range lists.Approved {
		if err := e.returnToken(l, tokenID); err != nil {
			return err
		}
	}
	if err := e.index.RemoveLoan(l.ID); err != nil {
		return err
	}
	if err := e.index.RemoveLoanForOwner(l.Owner, l.ID); err != nil {
		return err
	}
	l.Status = StatusFinished
	if err := e.storeLoan(l); err != nil {
		return err
	}
	e.emit(Stopped{Loan: l.Clone(), Tokens: append([]uint64(nil), lists.Approved...)})
	return nil
}

// Delete removes a Preparing loan that has committed nothing: it is legal only
// while the approved list is empty. The full deposit flows back to the
// borrower and every index entry including the detail record is purged.
func (e *Engine) Delete(caller types.Address, loanID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	l, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if caller != l.Owner && caller != e.platform {
		return fmt.Errorf("%w: loan %d", ErrUnauthorized, loanID)
	}
	if l.Status != StatusPreparing {
		return fmt.Errorf("%w: loan %d is %d", ErrInvalidState, loanID, l.Status)
	}
	lists, err := e.index.TokensOf(loanID)
	if err != nil {
		return err
	}
	if len(lists.Approved) > 0 {
		return fmt.Errorf("%w: loan %d has approved tokens", ErrInvalidState, loanID)
	}
	if err := e.state.Transfer(e.vault, l.Owner, l.Price); err != nil {
		return err
	}
	if err := e.index.RemoveLoan(loanID); err != nil {
		return err
	}
	if err := e.index.RemoveLoanForOwner(l.Owner, loanID); err != nil {
		return err
	}
	if err := e.state.KVDelete(recordKey(loanID)); err != nil {
		return err
	}
	e.emit(Deleted{Loan: l.Clone()})
	return nil
}

// CancelTokens removes specific tokens from a Preparing or Active loan, e.g.
// because a token's owner sold it elsewhere. Possession of a borrowed token is
// returned before removal. Emptying an Active loan's approved list finishes
// the loan, since nothing is left to return at expiry.
func (e *Engine) CancelTokens(caller types.Address, tokenIDs []uint64, loanID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if len(tokenIDs) == 0 {
		return errNoTokens
	}
	tokenIDs = dedupeTokens(tokenIDs)
	l, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if l.Status != StatusPreparing && l.Status != StatusActive {
		return fmt.Errorf("%w: loan %d is %d", ErrInvalidState, loanID, l.Status)
	}
	for _, tokenID := range tokenIDs {
		_, present, err := e.index.BucketOf(loanID, tokenID)
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("%w: token %d in loan %d", ErrNotInLoan, tokenID, loanID)
		}
		if caller != l.Owner && caller != e.platform {
			owner, err := e.tokenController(l, tokenID)
			if err != nil {
				return err
			}
			if owner != caller {
				return fmt.Errorf("%w: token %d", ErrNotTokenOwner, tokenID)
			}
		}
	}
	if err := e.enter(loanID); err != nil {
		return err
	}
	defer e.leave(loanID)
	for _, tokenID := range tokenIDs {
		if err := e.returnToken(l, tokenID); err != nil {
			return err
		}
		if err := e.index.RemoveToken(loanID, tokenID); err != nil {
			return err
		}
	}
	e.emit(Cancelled{LoanID: loanID, Tokens: append([]uint64(nil), tokenIDs...)})
	if l.Status == StatusActive {
		lists, err := e.index.TokensOf(loanID)
		if err != nil {
			return err
		}
		if len(lists.Approved) == 0 {
			return e.finishLoan(l)
		}
	}
	return nil
}

// tokenController resolves who may cancel a token out of the loan: the origin
// owner while possession sits with the borrower, the current owner otherwise.
func (e *Engine) tokenController(l *Loan, tokenID uint64) (types.Address, error) {
	var origin [20]byte
	ok, err := e.state.KVGet(borrowedKey(l.ID, tokenID), &origin)
	if err != nil {
		return types.Address{}, err
	}
	if ok {
		return origin, nil
	}
	return e.registry.OwnerOf(tokenID)
}

// GetLoan returns the detail record of the loan.
func (e *Engine) GetLoan(loanID uint64) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	l, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// TokenLists returns the three sub-list snapshots for the loan.
func (e *Engine) TokenLists(loanID uint64) (*TokenLists, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.loadLoan(loanID); err != nil {
		return nil, err
	}
	return e.index.TokensOf(loanID)
}

// LoansOfToken returns the not-finished loans referencing the token.
func (e *Engine) LoansOfToken(tokenID uint64) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.index.LoansOfToken(tokenID)
}

// LoansOfOwner returns the loans currently held by the borrower.
func (e *Engine) LoansOfOwner(owner types.Address) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.index.LoansOfOwner(owner)
}

// FreeSlots returns the loans still awaiting participant decisions.
func (e *Engine) FreeSlots() ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.index.LoansWithFreeSlots()
}
