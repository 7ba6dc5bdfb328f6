package loan

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"artledger/core/state"
	"artledger/core/types"
	nativecommon "artledger/native/common"
	"artledger/native/registry"
	"artledger/storage"
)

type testEnv struct {
	engine  *Engine
	reg     *registry.Registry
	manager *state.Manager
	writer  *state.Writer
	clock   uint64

	platform types.Address
	vault    types.Address
}

func newTestAddress(fill byte) types.Address {
	var addr types.Address
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:    1_000,
		platform: newTestAddress(0x01),
		vault:    newTestAddress(0x02),
	}
	env.manager = state.NewManager(storage.NewMemDB(), env.platform)
	writer, err := env.manager.Writer(env.platform)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	env.writer = writer
	env.reg = registry.NewRegistry(writer)
	env.engine = NewEngine(env.vault, env.platform)
	env.engine.SetState(writer)
	env.engine.SetRegistry(env.reg)
	env.engine.SetNowFunc(func() uint64 { return env.clock })
	return env
}

func (env *testEnv) mint(t *testing.T, owner types.Address) uint64 {
	t.Helper()
	tokenID, err := env.reg.Mint(owner)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tokenID
}

func (env *testEnv) fund(t *testing.T, addr types.Address, amount int64) {
	t.Helper()
	if err := env.writer.PutAccount(addr, &types.Account{Balance: big.NewInt(amount)}); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, addr types.Address) int64 {
	t.Helper()
	acc, err := env.manager.GetAccount(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return acc.Balance.Int64()
}

func (env *testEnv) ownerOf(t *testing.T, tokenID uint64) types.Address {
	t.Helper()
	owner, err := env.reg.OwnerOf(tokenID)
	if err != nil {
		t.Fatalf("ownerOf: %v", err)
	}
	return owner
}

func containsID(ids []uint64, want uint64) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestCreateClassifiesTokens(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	ownerB := newTestAddress(0xA2)

	plain := env.mint(t, ownerA)
	auto := env.mint(t, ownerB)
	busy := env.mint(t, ownerA)
	if err := env.reg.SetAutoAccept(ownerB, registry.RoleOthers, true); err != nil {
		t.Fatalf("set auto accept: %v", err)
	}
	if err := env.reg.SetSaleType(busy, registry.SaleOffer); err != nil {
		t.Fatalf("set sale type: %v", err)
	}

	unknown := uint64(9999)
	result, err := env.engine.Create(borrower, []uint64{plain, auto, busy, unknown, plain}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !containsID(result.NotApproved, plain) || len(result.NotApproved) != 1 {
		t.Fatalf("notApproved = %v, want [%d]", result.NotApproved, plain)
	}
	if !containsID(result.Approved, auto) || len(result.Approved) != 1 {
		t.Fatalf("approved = %v, want [%d]", result.Approved, auto)
	}
	if len(result.Declined) != 3 || !containsID(result.Declined, busy) || !containsID(result.Declined, unknown) {
		t.Fatalf("declined = %v, want sale-claimed, unknown and duplicate", result.Declined)
	}

	free, err := env.engine.FreeSlots()
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if !containsID(free, result.LoanID) {
		t.Fatalf("free slots = %v, want loan %d awaiting decisions", free, result.LoanID)
	}
	loans, err := env.engine.LoansOfToken(plain)
	if err != nil {
		t.Fatalf("loans of token: %v", err)
	}
	if !containsID(loans, result.LoanID) {
		t.Fatalf("loans of pending token = %v, want %d", loans, result.LoanID)
	}
	loans, err = env.engine.LoansOfToken(busy)
	if err != nil {
		t.Fatalf("loans of declined token: %v", err)
	}
	if len(loans) != 0 {
		t.Fatalf("declined token indexed by loan: %v", loans)
	}
}

func TestCreateRejectsPastWindow(t *testing.T) {
	env := newTestEnv(t)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)

	if _, err := env.engine.Create(newTestAddress(0x10), []uint64{tokenID}, env.clock-1, 100, nil); !errors.Is(err, errInvalidWindow) {
		t.Fatalf("create in the past: err = %v, want %v", err, errInvalidWindow)
	}
	if _, err := env.engine.Create(newTestAddress(0x10), []uint64{tokenID}, env.clock, 0, nil); !errors.Is(err, errInvalidWindow) {
		t.Fatalf("create with zero duration: err = %v, want %v", err, errInvalidWindow)
	}
	if _, err := env.engine.Create(newTestAddress(0x10), nil, env.clock, 100, nil); !errors.Is(err, errNoTokens) {
		t.Fatalf("create without tokens: err = %v, want %v", err, errNoTokens)
	}
}

func TestCreateDeclinesOverlappingWindow(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)

	first, err := env.engine.Create(borrower, []uint64{tokenID}, 2_000, 100, nil)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !containsID(first.NotApproved, tokenID) {
		t.Fatalf("first admission = %+v, want pending", first)
	}

	overlap, err := env.engine.Create(borrower, []uint64{tokenID}, 2_050, 100, nil)
	if err != nil {
		t.Fatalf("overlapping create: %v", err)
	}
	if !containsID(overlap.Declined, tokenID) {
		t.Fatalf("overlapping window admitted: %+v", overlap)
	}

	// [2100, 2150) touches the first window's end only; half-open windows
	// do not overlap there.
	adjacent, err := env.engine.Create(borrower, []uint64{tokenID}, 2_100, 50, nil)
	if err != nil {
		t.Fatalf("adjacent create: %v", err)
	}
	if !containsID(adjacent.NotApproved, tokenID) {
		t.Fatalf("adjacent window declined: %+v", adjacent)
	}
}

func TestAcceptAndDecline(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	ownerB := newTestAddress(0xA2)
	tokenA := env.mint(t, ownerA)
	tokenB := env.mint(t, ownerB)

	result, err := env.engine.Create(borrower, []uint64{tokenA, tokenB}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loanID := result.LoanID

	if err := env.engine.Accept(ownerB, loanID, []uint64{tokenA}); !errors.Is(err, ErrNotTokenOwner) {
		t.Fatalf("foreign accept: err = %v, want %v", err, ErrNotTokenOwner)
	}
	if err := env.engine.Accept(ownerA, loanID, []uint64{tokenA}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.Accept(ownerA, loanID, []uint64{tokenA}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-accept: err = %v, want %v", err, ErrInvalidTransition)
	}
	if err := env.engine.Decline(ownerA, loanID, []uint64{tokenA}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("decline approved token: err = %v, want %v", err, ErrInvalidTransition)
	}
	if err := env.engine.Decline(ownerB, loanID, []uint64{tokenB}); err != nil {
		t.Fatalf("decline: %v", err)
	}

	lists, err := env.engine.TokenLists(loanID)
	if err != nil {
		t.Fatalf("token lists: %v", err)
	}
	if len(lists.NotApproved) != 0 || len(lists.Approved) != 1 || len(lists.Declined) != 1 {
		t.Fatalf("lists = %+v, want 0/1/1 split", lists)
	}
	free, err := env.engine.FreeSlots()
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if containsID(free, loanID) {
		t.Fatalf("loan %d still advertises free slots after all decisions", loanID)
	}
	loans, err := env.engine.LoansOfToken(tokenB)
	if err != nil {
		t.Fatalf("loans of declined token: %v", err)
	}
	if len(loans) != 0 {
		t.Fatalf("declined token still indexed: %v", loans)
	}
}

func TestAttachTokens(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	pending := env.mint(t, ownerA)
	other := env.mint(t, ownerA)
	fresh := env.mint(t, ownerA)

	result, err := env.engine.Create(borrower, []uint64{pending, other}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loanID := result.LoanID

	// A pending token is promoted straight to approved; a fresh eligible
	// token joins approved as well.
	if err := env.engine.AttachTokens(ownerA, loanID, []uint64{pending, fresh}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	lists, err := env.engine.TokenLists(loanID)
	if err != nil {
		t.Fatalf("token lists: %v", err)
	}
	if len(lists.Approved) != 2 || len(lists.NotApproved) != 1 {
		t.Fatalf("lists = %+v, want approved {pending, fresh} and {other} pending", lists)
	}
	if err := env.engine.AttachTokens(ownerA, loanID, []uint64{fresh}); !errors.Is(err, ErrAlreadyInLoan) {
		t.Fatalf("re-attach: err = %v, want %v", err, ErrAlreadyInLoan)
	}

	if err := env.engine.Decline(ownerA, loanID, []uint64{other}); err != nil {
		t.Fatalf("decline remaining: %v", err)
	}
	extra := env.mint(t, ownerA)
	if err := env.engine.AttachTokens(ownerA, loanID, []uint64{extra}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("attach without free slot: err = %v, want %v", err, ErrInvalidState)
	}
}

func TestStartDistributesDepositAndBorrows(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	ownerB := newTestAddress(0xA2)
	tokenA := env.mint(t, ownerA)
	tokenB := env.mint(t, ownerB)
	env.fund(t, borrower, 100)

	result, err := env.engine.Create(borrower, []uint64{tokenA, tokenB}, env.clock+50, 100, big.NewInt(90))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loanID := result.LoanID
	if got := env.balance(t, borrower); got != 10 {
		t.Fatalf("borrower balance after deposit = %d, want 10", got)
	}
	if got := env.balance(t, env.vault); got != 90 {
		t.Fatalf("vault balance = %d, want 90", got)
	}

	if err := env.engine.Accept(ownerA, loanID, []uint64{tokenA}); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	if err := env.engine.Accept(ownerB, loanID, []uint64{tokenB}); err != nil {
		t.Fatalf("accept B: %v", err)
	}

	if err := env.engine.Start(borrower, loanID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start before window: err = %v, want %v", err, ErrInvalidState)
	}
	env.clock += 50
	if err := env.engine.Start(ownerA, loanID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("start by stranger: err = %v, want %v", err, ErrUnauthorized)
	}
	if err := env.engine.Start(borrower, loanID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := env.ownerOf(t, tokenA); got != borrower {
		t.Fatalf("token A possession = %x, want borrower", got)
	}
	if got := env.ownerOf(t, tokenB); got != borrower {
		t.Fatalf("token B possession = %x, want borrower", got)
	}
	for _, tokenID := range []uint64{tokenA, tokenB} {
		sale, err := env.reg.SaleTypeOf(tokenID)
		if err != nil {
			t.Fatalf("sale type: %v", err)
		}
		if sale != registry.SaleLoan {
			t.Fatalf("token %d sale type = %d, want loan", tokenID, sale)
		}
	}
	if got := env.balance(t, ownerA); got != 45 {
		t.Fatalf("owner A payout = %d, want 45", got)
	}
	if got := env.balance(t, ownerB); got != 45 {
		t.Fatalf("owner B payout = %d, want 45", got)
	}

	l, err := env.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if l.Status != StatusActive {
		t.Fatalf("status = %d, want active", l.Status)
	}
	held, err := env.engine.LoansOfOwner(borrower)
	if err != nil {
		t.Fatalf("loans of owner: %v", err)
	}
	if !containsID(held, loanID) {
		t.Fatalf("loans of borrower = %v, want %d", held, loanID)
	}

	if err := env.engine.Start(borrower, loanID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double start: err = %v, want %v", err, ErrInvalidState)
	}
	// Borrow converges: a second pass over already-moved tokens changes
	// nothing.
	if err := env.engine.Borrow(borrower, loanID); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if got := env.ownerOf(t, tokenA); got != borrower {
		t.Fatalf("token A possession after borrow = %x, want borrower", got)
	}
}

func TestStartRequiresApprovedTokens(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)

	result, err := env.engine.Create(borrower, []uint64{tokenID}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.Start(borrower, result.LoanID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start without approvals: err = %v, want %v", err, ErrInvalidState)
	}
}

func startedLoan(t *testing.T, env *testEnv, borrower, ownerA, ownerB types.Address) (uint64, uint64, uint64) {
	t.Helper()
	tokenA := env.mint(t, ownerA)
	tokenB := env.mint(t, ownerB)
	result, err := env.engine.Create(borrower, []uint64{tokenA, tokenB}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.Accept(ownerA, result.LoanID, []uint64{tokenA}); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	if err := env.engine.Accept(ownerB, result.LoanID, []uint64{tokenB}); err != nil {
		t.Fatalf("accept B: %v", err)
	}
	if err := env.engine.Start(borrower, result.LoanID); err != nil {
		t.Fatalf("start: %v", err)
	}
	return result.LoanID, tokenA, tokenB
}

func TestStopReturnsTokens(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	ownerB := newTestAddress(0xA2)
	loanID, tokenA, tokenB := startedLoan(t, env, borrower, ownerA, ownerB)

	if err := env.engine.Stop(newTestAddress(0x99), loanID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("early stop by stranger: err = %v, want %v", err, ErrUnauthorized)
	}
	if err := env.engine.Stop(borrower, loanID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := env.ownerOf(t, tokenA); got != ownerA {
		t.Fatalf("token A possession = %x, want origin owner", got)
	}
	if got := env.ownerOf(t, tokenB); got != ownerB {
		t.Fatalf("token B possession = %x, want origin owner", got)
	}
	sale, err := env.reg.SaleTypeOf(tokenA)
	if err != nil {
		t.Fatalf("sale type: %v", err)
	}
	if sale != registry.SaleNone {
		t.Fatalf("sale type after stop = %d, want none", sale)
	}
	l, err := env.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if l.Status != StatusFinished {
		t.Fatalf("status = %d, want finished", l.Status)
	}
	loans, err := env.engine.LoansOfToken(tokenA)
	if err != nil {
		t.Fatalf("loans of token: %v", err)
	}
	if len(loans) != 0 {
		t.Fatalf("finished loan still indexed by token: %v", loans)
	}
	held, err := env.engine.LoansOfOwner(borrower)
	if err != nil {
		t.Fatalf("loans of owner: %v", err)
	}
	if containsID(held, loanID) {
		t.Fatalf("finished loan still indexed by borrower: %v", held)
	}
	// Stopping a finished loan is a no-op.
	if err := env.engine.Stop(borrower, loanID); err != nil {
		t.Fatalf("stop finished loan: %v", err)
	}
}

func TestStopAfterExpiryByAnyone(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	ownerB := newTestAddress(0xA2)
	loanID, tokenA, _ := startedLoan(t, env, borrower, ownerA, ownerB)

	env.clock += 100
	if err := env.engine.Stop(newTestAddress(0x99), loanID); err != nil {
		t.Fatalf("stop expired loan: %v", err)
	}
	if got := env.ownerOf(t, tokenA); got != ownerA {
		t.Fatalf("token A possession = %x, want origin owner", got)
	}
}

func TestDeleteRefundsDeposit(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)
	env.fund(t, borrower, 50)

	result, err := env.engine.Create(borrower, []uint64{tokenID}, env.clock, 100, big.NewInt(50))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loanID := result.LoanID

	if err := env.engine.Delete(newTestAddress(0x99), loanID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("delete by stranger: err = %v, want %v", err, ErrUnauthorized)
	}
	if err := env.engine.Delete(borrower, loanID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := env.balance(t, borrower); got != 50 {
		t.Fatalf("refunded balance = %d, want 50", got)
	}
	if _, err := env.engine.GetLoan(loanID); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("get deleted loan: err = %v, want %v", err, ErrLoanNotFound)
	}
	free, err := env.engine.FreeSlots()
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if containsID(free, loanID) {
		t.Fatalf("deleted loan still advertises free slots")
	}
}

func TestDeleteBlockedByApprovedTokens(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)

	result, err := env.engine.Create(borrower, []uint64{tokenID}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.Accept(ownerA, result.LoanID, []uint64{tokenID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.Delete(borrower, result.LoanID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("delete with approvals: err = %v, want %v", err, ErrInvalidState)
	}
}

func TestCancelTokensWhilePreparing(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	ownerB := newTestAddress(0xA2)
	tokenA := env.mint(t, ownerA)
	tokenB := env.mint(t, ownerB)

	result, err := env.engine.Create(borrower, []uint64{tokenA, tokenB}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loanID := result.LoanID

	if err := env.engine.CancelTokens(ownerA, []uint64{tokenB}, loanID); !errors.Is(err, ErrNotTokenOwner) {
		t.Fatalf("cancel foreign token: err = %v, want %v", err, ErrNotTokenOwner)
	}
	if err := env.engine.CancelTokens(ownerA, []uint64{tokenA}, loanID); err != nil {
		t.Fatalf("cancel own token: %v", err)
	}
	if err := env.engine.CancelTokens(ownerA, []uint64{tokenA}, loanID); !errors.Is(err, ErrNotInLoan) {
		t.Fatalf("cancel twice: err = %v, want %v", err, ErrNotInLoan)
	}
	lists, err := env.engine.TokenLists(loanID)
	if err != nil {
		t.Fatalf("token lists: %v", err)
	}
	if len(lists.NotApproved) != 1 || containsID(lists.NotApproved, tokenA) {
		t.Fatalf("lists after cancel = %+v, want only token B pending", lists)
	}
}

func TestCancelLastActiveTokenFinishesLoan(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	ownerB := newTestAddress(0xA2)
	loanID, tokenA, tokenB := startedLoan(t, env, borrower, ownerA, ownerB)

	if err := env.engine.CancelTokens(ownerA, []uint64{tokenA}, loanID); err != nil {
		t.Fatalf("cancel token A: %v", err)
	}
	if got := env.ownerOf(t, tokenA); got != ownerA {
		t.Fatalf("cancelled token possession = %x, want origin owner", got)
	}
	l, err := env.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if l.Status != StatusActive {
		t.Fatalf("status after partial cancel = %d, want active", l.Status)
	}

	if err := env.engine.CancelTokens(ownerB, []uint64{tokenB}, loanID); err != nil {
		t.Fatalf("cancel token B: %v", err)
	}
	l, err = env.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if l.Status != StatusFinished {
		t.Fatalf("status after emptying approved list = %d, want finished", l.Status)
	}
}

type pauseAll struct{}

func (pauseAll) IsPaused(string) bool { return true }

func TestPausedModuleRejectsMutations(t *testing.T) {
	env := newTestEnv(t)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)
	env.engine.SetPauses(pauseAll{})

	if _, err := env.engine.Create(newTestAddress(0x10), []uint64{tokenID}, env.clock, 100, nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("create while paused: err = %v, want %v", err, nativecommon.ErrModulePaused)
	}
	if err := env.engine.Stop(newTestAddress(0x10), 1); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("stop while paused: err = %v, want %v", err, nativecommon.ErrModulePaused)
	}
}

// reentrantRegistry calls back into the engine from inside a possession
// transfer, the way a hostile token receiver would.
type reentrantRegistry struct {
	*registry.Registry
	engine *Engine
	loanID uint64
	caller types.Address
	inner  []error
}

func (r *reentrantRegistry) TransferPossession(tokenID uint64, from, to types.Address) error {
	r.inner = append(r.inner, r.engine.Borrow(r.caller, r.loanID))
	return r.Registry.TransferPossession(tokenID, from, to)
}

func TestReentrantTransferIsRefused(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)

	hostile := &reentrantRegistry{Registry: env.reg, engine: env.engine, caller: borrower}
	env.engine.SetRegistry(hostile)

	result, err := env.engine.Create(borrower, []uint64{tokenID}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hostile.loanID = result.LoanID
	if err := env.engine.Accept(ownerA, result.LoanID, []uint64{tokenID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.Start(borrower, result.LoanID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(hostile.inner) == 0 {
		t.Fatalf("re-entrant call never fired")
	}
	for _, innerErr := range hostile.inner {
		if !errors.Is(innerErr, errLoanBusy) {
			t.Fatalf("re-entrant call: err = %v, want %v", innerErr, errLoanBusy)
		}
	}
}

func TestCreateDeclinesDuplicateWithoutAborting(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)

	result, err := env.engine.Create(borrower, []uint64{tokenID, tokenID}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create with duplicate: %v", err)
	}
	if len(result.NotApproved) != 1 || !containsID(result.NotApproved, tokenID) {
		t.Fatalf("notApproved = %v, want [%d]", result.NotApproved, tokenID)
	}
	if len(result.Declined) != 1 || !containsID(result.Declined, tokenID) {
		t.Fatalf("declined = %v, want the duplicate entry", result.Declined)
	}
	// The duplicate is reported but only the first occurrence holds a list
	// slot; the membership partition stays intact.
	lists, err := env.engine.TokenLists(result.LoanID)
	if err != nil {
		t.Fatalf("token lists: %v", err)
	}
	if len(lists.NotApproved) != 1 || len(lists.Declined) != 0 {
		t.Fatalf("lists = %+v, want one pending entry and no indexed duplicate", lists)
	}
}

func TestRepeatedIDsActOnce(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	tokenA := env.mint(t, ownerA)
	tokenB := env.mint(t, ownerA)
	fresh := env.mint(t, ownerA)

	result, err := env.engine.Create(borrower, []uint64{tokenA, tokenB}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loanID := result.LoanID

	// A request naming the same token twice succeeds and moves it once.
	if err := env.engine.Accept(ownerA, loanID, []uint64{tokenA, tokenA}); err != nil {
		t.Fatalf("accept with duplicate: %v", err)
	}
	lists, err := env.engine.TokenLists(loanID)
	if err != nil {
		t.Fatalf("token lists: %v", err)
	}
	if len(lists.Approved) != 1 || !containsID(lists.Approved, tokenA) {
		t.Fatalf("approved = %v, want exactly [%d]", lists.Approved, tokenA)
	}
	if len(lists.NotApproved) != 1 || !containsID(lists.NotApproved, tokenB) {
		t.Fatalf("notApproved = %v, want [%d] untouched", lists.NotApproved, tokenB)
	}

	if err := env.engine.AttachTokens(ownerA, loanID, []uint64{fresh, fresh}); err != nil {
		t.Fatalf("attach with duplicate: %v", err)
	}
	lists, err = env.engine.TokenLists(loanID)
	if err != nil {
		t.Fatalf("token lists: %v", err)
	}
	if len(lists.Approved) != 2 || !containsID(lists.Approved, fresh) {
		t.Fatalf("approved = %v, want the fresh token admitted once", lists.Approved)
	}

	if err := env.engine.CancelTokens(ownerA, []uint64{tokenB, tokenB}, loanID); err != nil {
		t.Fatalf("cancel with duplicate: %v", err)
	}
	lists, err = env.engine.TokenLists(loanID)
	if err != nil {
		t.Fatalf("token lists: %v", err)
	}
	if len(lists.NotApproved) != 0 {
		t.Fatalf("notApproved = %v, want empty after cancel", lists.NotApproved)
	}
}

func TestCreateRejectsOverflowingWindow(t *testing.T) {
	env := newTestEnv(t)
	borrower := newTestAddress(0x10)
	ownerA := newTestAddress(0xA1)
	tokenID := env.mint(t, ownerA)

	if _, err := env.engine.Create(borrower, []uint64{tokenID}, env.clock, math.MaxUint64-1_000, nil); !errors.Is(err, errInvalidWindow) {
		t.Fatalf("create with wrapping window: err = %v, want %v", err, errInvalidWindow)
	}
	if _, err := env.engine.Create(borrower, []uint64{tokenID}, math.MaxUint64, 1, nil); !errors.Is(err, errInvalidWindow) {
		t.Fatalf("create at the numeric edge: err = %v, want %v", err, errInvalidWindow)
	}
	// A loan over the token still admits normally afterwards.
	result, err := env.engine.Create(borrower, []uint64{tokenID}, env.clock, 100, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !containsID(result.NotApproved, tokenID) {
		t.Fatalf("admission after rejected windows = %+v, want pending", result)
	}
}

func TestBatchLifecycleAcrossLoans(t *testing.T) {
	env := newTestEnv(t)
	borrowers := []types.Address{newTestAddress(0x10), newTestAddress(0x11), newTestAddress(0x12)}
	owners := []types.Address{newTestAddress(0xA1), newTestAddress(0xA2), newTestAddress(0xA3), newTestAddress(0xA4)}

	// Four owners with four tokens each; every loan borrows from several
	// owners so returns have to route per token, not per loan.
	tokenOwner := make(map[uint64]types.Address)
	tokens := make([][]uint64, len(owners))
	for i, owner := range owners {
		for j := 0; j < 4; j++ {
			tokenID := env.mint(t, owner)
			tokens[i] = append(tokens[i], tokenID)
			tokenOwner[tokenID] = owner
		}
	}

	batches := [][]uint64{
		{tokens[0][0], tokens[0][1], tokens[1][0], tokens[1][1], tokens[2][0]},
		{tokens[0][2], tokens[1][2], tokens[2][1], tokens[2][2], tokens[3][0]},
		{tokens[0][3], tokens[1][3], tokens[2][3], tokens[3][1], tokens[3][2]},
	}
	loanIDs := make([]uint64, len(batches))
	for i, batch := range batches {
		result, err := env.engine.Create(borrowers[i], batch, env.clock, 100, nil)
		if err != nil {
			t.Fatalf("create loan %d: %v", i, err)
		}
		if len(result.Declined) != 0 {
			t.Fatalf("loan %d declined %v, want clean admission", i, result.Declined)
		}
		loanIDs[i] = result.LoanID
	}

	// Owners accept everything except one token of loan 1, which its owner
	// attaches into the remaining free slot instead.
	held := batches[1][len(batches[1])-1]
	for i, batch := range batches {
		for _, tokenID := range batch {
			if tokenID == held {
				continue
			}
			if err := env.engine.Accept(tokenOwner[tokenID], loanIDs[i], []uint64{tokenID}); err != nil {
				t.Fatalf("accept token %d: %v", tokenID, err)
			}
		}
	}
	free, err := env.engine.FreeSlots()
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if len(free) != 1 || !containsID(free, loanIDs[1]) {
		t.Fatalf("free slots = %v, want only loan %d", free, loanIDs[1])
	}
	if err := env.engine.AttachTokens(tokenOwner[held], loanIDs[1], []uint64{held}); err != nil {
		t.Fatalf("attach into last free slot: %v", err)
	}
	free, err = env.engine.FreeSlots()
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if len(free) != 0 {
		t.Fatalf("free slots = %v, want empty once every token is decided", free)
	}

	for i, loanID := range loanIDs {
		if err := env.engine.Start(borrowers[i], loanID); err != nil {
			t.Fatalf("start loan %d: %v", i, err)
		}
	}
	for i, batch := range batches {
		for _, tokenID := range batch {
			if got := env.ownerOf(t, tokenID); got != borrowers[i] {
				t.Fatalf("token %d possession = %x, want borrower %d", tokenID, got, i)
			}
		}
	}

	// Stop out of creation order; each token must find its way back to its
	// own owner regardless of how the shared indexes got reordered.
	for _, i := range []int{1, 2, 0} {
		if err := env.engine.Stop(borrowers[i], loanIDs[i]); err != nil {
			t.Fatalf("stop loan %d: %v", i, err)
		}
	}
	for tokenID, owner := range tokenOwner {
		if got := env.ownerOf(t, tokenID); got != owner {
			t.Fatalf("token %d possession = %x, want original owner %x", tokenID, got, owner)
		}
		sale, err := env.reg.SaleTypeOf(tokenID)
		if err != nil {
			t.Fatalf("sale type: %v", err)
		}
		if sale != registry.SaleNone {
			t.Fatalf("token %d sale type = %d, want none", tokenID, sale)
		}
		loans, err := env.engine.LoansOfToken(tokenID)
		if err != nil {
			t.Fatalf("loans of token: %v", err)
		}
		if len(loans) != 0 {
			t.Fatalf("token %d still indexed after teardown: %v", tokenID, loans)
		}
	}
	for i, loanID := range loanIDs {
		l, err := env.engine.GetLoan(loanID)
		if err != nil {
			t.Fatalf("get loan %d: %v", i, err)
		}
		if l.Status != StatusFinished {
			t.Fatalf("loan %d status = %d, want finished", i, l.Status)
		}
		holding, err := env.engine.LoansOfOwner(borrowers[i])
		if err != nil {
			t.Fatalf("loans of owner: %v", err)
		}
		if len(holding) != 0 {
			t.Fatalf("borrower %d still holds %v after teardown", i, holding)
		}
	}
}
