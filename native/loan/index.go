package loan

import (
	"encoding/binary"
	"fmt"

	"artledger/core/types"
)

// List names forming the persisted schema. The strings are stable constants;
// renaming one orphans every entry written under it.
const (
	listNotApproved = "loan/tokens/notApproved"
	listApproved    = "loan/tokens/approved"
	listDeclined    = "loan/tokens/declined"
	listByToken     = "loan/byToken"
	listByOwner     = "loan/byOwner"
	listFreeSlots   = "loan/freeSlots"
)

var freeSlotsKey = []byte("all")

// indexState is the subset of state manager functionality the index needs.
// All list removals are swap-with-last; the index inherits that non-stable
// ordering.
type indexState interface {
	ListLen(name string, key []byte) (int, error)
	ListSnapshot(name string, key []byte) ([][]byte, error)
	ListIndexOf(name string, key []byte, value []byte) (int, error)
	ListPush(name string, key []byte, value []byte) error
	ListRemoveValue(name string, key []byte, value []byte) (bool, error)
}

// Index maintains the four cross-referenced loan structures: the per-loan
// token sub-lists, loans-per-token, loans-per-owner and the free-slot
// registry. It performs pure data operations; role checks, balance movement
// and registry calls belong to the engine.
type Index struct {
	state indexState
}

// NewIndex constructs an index bound to the provided state backend.
func NewIndex(state indexState) *Index {
	return &Index{state: state}
}

func u64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func bytesU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func bucketList(b Bucket) (string, error) {
	switch b {
	case BucketNotApproved:
		return listNotApproved, nil
	case BucketApproved:
		return listApproved, nil
	case BucketDeclined:
		return listDeclined, nil
	default:
		return "", fmt.Errorf("loan: unknown bucket %d", b)
	}
}

func (x *Index) withState() (indexState, error) {
	if x == nil || x.state == nil {
		return nil, errNilState
	}
	return x.state, nil
}

// BucketOf reports which sub-list of the loan currently holds the token.
func (x *Index) BucketOf(loanID, tokenID uint64) (Bucket, bool, error) {
	state, err := x.withState()
	if err != nil {
		return 0, false, err
	}
	loanKey := u64Bytes(loanID)
	token := u64Bytes(tokenID)
	for _, bucket := range []Bucket{BucketNotApproved, BucketApproved, BucketDeclined} {
		name, _ := bucketList(bucket)
		idx, err := state.ListIndexOf(name, loanKey, token)
		if err != nil {
			return 0, false, err
		}
		if idx >= 0 {
			return bucket, true, nil
		}
	}
	return 0, false, nil
}

// AddToken appends the token to the given sub-list of the loan, maintaining
// the loans-per-token and free-slot cross references. Declined tokens do not
// block the token for other sale mechanisms, so they are excluded from the
// loans-per-token projection.
func (x *Index) AddToken(loanID, tokenID uint64, bucket Bucket) error {
	state, err := x.withState()
	if err != nil {
		return err
	}
	name, err := bucketList(bucket)
	if err != nil {
		return err
	}
	if _, present, err := x.BucketOf(loanID, tokenID); err != nil {
		return err
	} else if present {
		return fmt.Errorf("%w: token %d in loan %d", ErrAlreadyInLoan, tokenID, loanID)
	}
	loanKey := u64Bytes(loanID)
	token := u64Bytes(tokenID)
	if bucket == BucketNotApproved {
		// Empty-to-non-empty transition registers the free slot.
		length, err := state.ListLen(listNotApproved, loanKey)
		if err != nil {
			return err
		}
		if length == 0 {
			if err := x.addFreeSlot(loanID); err != nil {
				return err
			}
		}
	}
	if err := state.ListPush(name, loanKey, token); err != nil {
		return err
	}
	if bucket != BucketDeclined {
		if err := x.addLoanForToken(tokenID, loanID); err != nil {
			return err
		}
	}
	return nil
}

// MoveToken relocates a token between sub-lists. The only legal transitions
// are notApproved to approved and notApproved to declined.
func (x *Index) MoveToken(loanID, tokenID uint64, from, to Bucket) error {
	state, err := x.withState()
	if err != nil {
		return err
	}
	if from != BucketNotApproved || (to != BucketApproved && to != BucketDeclined) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	current, present, err := x.BucketOf(loanID, tokenID)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: token %d in loan %d", ErrNotInLoan, tokenID, loanID)
	}
	if current != from {
		return fmt.Errorf("%w: token %d is %s", ErrInvalidTransition, tokenID, current)
	}
	loanKey := u64Bytes(loanID)
	token := u64Bytes(tokenID)
	fromName, _ := bucketList(from)
	toName, _ := bucketList(to)
	if _, err := state.ListRemoveValue(fromName, loanKey, token); err != nil {
		return err
	}
	if err := state.ListPush(toName, loanKey, token); err != nil {
		return err
	}
	if to == BucketDeclined {
		if err := x.removeLoanForToken(tokenID, loanID); err != nil {
			return err
		}
	}
	return x.syncFreeSlot(loanID)
}

// RemoveToken deletes the token from whichever sub-list currently holds it and
// repairs the cross references.
func (x *Index) RemoveToken(loanID, tokenID uint64) error {
	state, err := x.withState()
	if err != nil {
		return err
	}
	bucket, present, err := x.BucketOf(loanID, tokenID)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: token %d in loan %d", ErrNotInLoan, tokenID, loanID)
	}
	name, _ := bucketList(bucket)
	if _, err := state.ListRemoveValue(name, u64Bytes(loanID), u64Bytes(tokenID)); err != nil {
		return err
	}
	if bucket != BucketDeclined {
		if err := x.removeLoanForToken(tokenID, loanID); err != nil {
			return err
		}
	}
	return x.syncFreeSlot(loanID)
}

// RemoveLoan purges the loan from the free-slot registry and from every
// token's loans-per-token list, then drops the three sub-lists. Bounded by the
// total number of tokens ever attached to the loan.
func (x *Index) RemoveLoan(loanID uint64) error {
	state, err := x.withState()
	if err != nil {
		return err
	}
	loanKey := u64Bytes(loanID)
	for _, name := range []string{listNotApproved, listApproved} {
		tokens, err := state.ListSnapshot(name, loanKey)
		if err != nil {
			return err
		}
		for _, token := range tokens {
			if err := x.removeLoanForToken(bytesU64(token), loanID); err != nil {
				return err
			}
		}
	}
	for _, name := range []string{listNotApproved, listApproved, listDeclined} {
		tokens, err := state.ListSnapshot(name, loanKey)
		if err != nil {
			return err
		}
		for _, token := range tokens {
			if _, err := state.ListRemoveValue(name, loanKey, token); err != nil {
				return err
			}
		}
	}
	return x.removeFreeSlot(loanID)
}

// TokensOf returns a snapshot of the three sub-lists of the loan.
func (x *Index) TokensOf(loanID uint64) (*TokenLists, error) {
	state, err := x.withState()
	if err != nil {
		return nil, err
	}
	loanKey := u64Bytes(loanID)
	lists := &TokenLists{}
	for _, entry := range []struct {
		name string
		out  *[]uint64
	}{
		{listNotApproved, &lists.NotApproved},
		{listApproved, &lists.Approved},
		{listDeclined, &lists.Declined},
	} {
		raw, err := state.ListSnapshot(entry.name, loanKey)
		if err != nil {
			return nil, err
		}
		ids := make([]uint64, 0, len(raw))
		for _, item := range raw {
			ids = append(ids, bytesU64(item))
		}
		*entry.out = ids
	}
	return lists, nil
}

// LoansOfToken returns the ids of not-finished loans referencing the token.
func (x *Index) LoansOfToken(tokenID uint64) ([]uint64, error) {
	return x.snapshotIDs(listByToken, u64Bytes(tokenID))
}

// LoansOfOwner returns the ids of loans currently held by the borrower.
func (x *Index) LoansOfOwner(owner types.Address) ([]uint64, error) {
	return x.snapshotIDs(listByOwner, owner[:])
}

// LoansWithFreeSlots returns the ids of loans whose notApproved list is
// non-empty.
func (x *Index) LoansWithFreeSlots() ([]uint64, error) {
	return x.snapshotIDs(listFreeSlots, freeSlotsKey)
}

// HasFreeSlot reports whether the loan is awaiting participant decisions.
func (x *Index) HasFreeSlot(loanID uint64) (bool, error) {
	state, err := x.withState()
	if err != nil {
		return false, err
	}
	idx, err := state.ListIndexOf(listFreeSlots, freeSlotsKey, u64Bytes(loanID))
	if err != nil {
		return false, err
	}
	return idx >= 0, nil
}

// AddLoanForOwner records the loan in the borrower's loan list.
func (x *Index) AddLoanForOwner(owner types.Address, loanID uint64) error {
	state, err := x.withState()
	if err != nil {
		return err
	}
	idx, err := state.ListIndexOf(listByOwner, owner[:], u64Bytes(loanID))
	if err != nil {
		return err
	}
	if idx >= 0 {
		return nil
	}
	return state.ListPush(listByOwner, owner[:], u64Bytes(loanID))
}

// RemoveLoanForOwner drops the loan from the borrower's loan list.
func (x *Index) RemoveLoanForOwner(owner types.Address, loanID uint64) error {
	state, err := x.withState()
	if err != nil {
		return err
	}
	_, err = state.ListRemoveValue(listByOwner, owner[:], u64Bytes(loanID))
	return err
}

func (x *Index) snapshotIDs(name string, key []byte) ([]uint64, error) {
	state, err := x.withState()
	if err != nil {
		return nil, err
	}
	raw, err := state.ListSnapshot(name, key)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, item := range raw {
		ids = append(ids, bytesU64(item))
	}
	return ids, nil
}

func (x *Index) addLoanForToken(tokenID, loanID uint64) error {
	idx, err := x.state.ListIndexOf(listByToken, u64Bytes(tokenID), u64Bytes(loanID))
	if err != nil {
		return err
	}
	if idx >= 0 {
		return nil
	}
	return x.state.ListPush(listByToken, u64Bytes(tokenID), u64Bytes(loanID))
}

func (x *Index) removeLoanForToken(tokenID, loanID uint64) error {
	_, err := x.state.ListRemoveValue(listByToken, u64Bytes(tokenID), u64Bytes(loanID))
	return err
}

func (x *Index) addFreeSlot(loanID uint64) error {
	idx, err := x.state.ListIndexOf(listFreeSlots, freeSlotsKey, u64Bytes(loanID))
	if err != nil {
		return err
	}
	if idx >= 0 {
		return nil
	}
	return x.state.ListPush(listFreeSlots, freeSlotsKey, u64Bytes(loanID))
}

func (x *Index) removeFreeSlot(loanID uint64) error {
	_, err := x.state.ListRemoveValue(listFreeSlots, freeSlotsKey, u64Bytes(loanID))
	return err
}

// syncFreeSlot re-establishes the invariant that a loan is in the free-slot
// registry iff its notApproved list is non-empty.
func (x *Index) syncFreeSlot(loanID uint64) error {
	length, err := x.state.ListLen(listNotApproved, u64Bytes(loanID))
	if err != nil {
		return err
	}
	if length == 0 {
		return x.removeFreeSlot(loanID)
	}
	return x.addFreeSlot(loanID)
}
