package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"artledger/core/types"
	"artledger/storage"
)

var (
	// ErrUnauthorized is returned when a caller outside the access gate
	// attempts to obtain a writer handle or mutate gated state.
	ErrUnauthorized = errors.New("state: caller not authorized")

	errEmptyKey   = errors.New("state: key must not be empty")
	errIndexRange = errors.New("state: list index out of range")
)

var (
	balancePrefix = []byte("account/balance/")
	listPrefix    = []byte("list/")
)

// Manager is the generic key-value state layer shared by every ledger module.
// Values are RLP encoded and keys keccak256 hashed before hitting the backing
// database. Reads never fail for missing keys; they report absence instead.
//
// Mutations are only reachable through a Writer handle, which is refused for
// callers outside the AccessGate.
type Manager struct {
	db   storage.Database
	gate *AccessGate
}

// NewManager creates a state manager over the provided database. The gate
// owner is the only address allowed to manage the writer list.
func NewManager(db storage.Database, gateOwner types.Address) *Manager {
	m := &Manager{db: db}
	m.gate = newAccessGate(m, gateOwner)
	return m
}

// Gate exposes the access gate guarding this manager's writers.
func (m *Manager) Gate() *AccessGate { return m.gate }

// Writer returns a mutation handle for the caller, or ErrUnauthorized when the
// caller is not present in the access gate.
func (m *Manager) Writer(caller types.Address) (*Writer, error) {
	allowed, err := m.gate.IsAllowed(caller)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %x", ErrUnauthorized, caller)
	}
	return &Writer{Manager: m, caller: caller}, nil
}

// Writer performs gated mutations on behalf of a single authorized caller.
// It embeds the manager so read helpers remain available.
type Writer struct {
	*Manager
	caller types.Address
}

// Caller returns the address this writer was issued for.
func (w *Writer) Caller() types.Address { return w.caller }

func hashKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func compositeKey(name string, key []byte) []byte {
	buf := make([]byte, 0, len(name)+1+len(key))
	buf = append(buf, name...)
	buf = append(buf, '/')
	buf = append(buf, key...)
	return buf
}

func listKey(name string, key []byte) []byte {
	return append(append([]byte(nil), listPrefix...), compositeKey(name, key)...)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// out. The boolean reports whether the key existed; a miss is never an error.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKey
	}
	data, err := m.db.Get(hashKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (w *Writer) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return w.db.Put(hashKey(key), encoded)
}

// KVDelete removes the value stored under the supplied key. Deleting a missing
// key is a no-op.
func (w *Writer) KVDelete(key []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	return w.db.Delete(hashKey(key))
}

func (m *Manager) loadList(name string, key []byte) ([][]byte, error) {
	data, err := m.db.Get(hashKey(listKey(name, key)))
	if errors.Is(err, storage.ErrNotFound) {
		return [][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][]byte{}, nil
	}
	var list [][]byte
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (w *Writer) storeList(name string, key []byte, list [][]byte) error {
	hashed := hashKey(listKey(name, key))
	if len(list) == 0 {
		return w.db.Delete(hashed)
	}
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return w.db.Put(hashed, encoded)
}

// ListLen returns the number of entries stored in the named list.
func (m *Manager) ListLen(name string, key []byte) (int, error) {
	list, err := m.loadList(name, key)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// ListGet returns the entry stored at index in the named list.
func (m *Manager) ListGet(name string, key []byte, index int) ([]byte, error) {
	list, err := m.loadList(name, key)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(list) {
		return nil, errIndexRange
	}
	return append([]byte(nil), list[index]...), nil
}

// ListSnapshot returns a copy of the named list. Ordering is insertion order
// except where ListRemove has reordered entries via swap-with-last; callers
// must not treat the result as a stable FIFO.
func (m *Manager) ListSnapshot(name string, key []byte) ([][]byte, error) {
	list, err := m.loadList(name, key)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(list))
	for i, item := range list {
		out[i] = append([]byte(nil), item...)
	}
	return out, nil
}

// ListIndexOf returns the index of value in the named list, or -1.
func (m *Manager) ListIndexOf(name string, key []byte, value []byte) (int, error) {
	list, err := m.loadList(name, key)
	if err != nil {
		return -1, err
	}
	for i, item := range list {
		if string(item) == string(value) {
			return i, nil
		}
	}
	return -1, nil
}

// ListPush appends value to the named list.
func (w *Writer) ListPush(name string, key []byte, value []byte) error {
	list, err := w.loadList(name, key)
	if err != nil {
		return err
	}
	list = append(list, append([]byte(nil), value...))
	return w.storeList(name, key, list)
}

// ListSet overwrites the entry at index in the named list.
func (w *Writer) ListSet(name string, key []byte, index int, value []byte) error {
	list, err := w.loadList(name, key)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(list) {
		return errIndexRange
	}
	list[index] = append([]byte(nil), value...)
	return w.storeList(name, key, list)
}

// ListRemove deletes the entry at index by swapping it with the last entry and
// shrinking the list. O(1) per removal; does NOT preserve order.
func (w *Writer) ListRemove(name string, key []byte, index int) error {
	list, err := w.loadList(name, key)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(list) {
		return errIndexRange
	}
	last := len(list) - 1
	list[index] = list[last]
	list = list[:last]
	return w.storeList(name, key, list)
}

// ListRemoveValue removes the first occurrence of value from the named list
// using swap-with-last. It reports whether the value was present.
func (w *Writer) ListRemoveValue(name string, key []byte, value []byte) (bool, error) {
	idx, err := w.ListIndexOf(name, key, value)
	if err != nil {
		return false, err
	}
	if idx < 0 {
		return false, nil
	}
	return true, w.ListRemove(name, key, idx)
}

func balanceKey(addr types.Address) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(addr))
	buf = append(buf, balancePrefix...)
	buf = append(buf, addr[:]...)
	return buf
}

// GetAccount loads the account record for addr, returning a zero-balance
// account when none is stored.
func (m *Manager) GetAccount(addr types.Address) (*types.Account, error) {
	var stored struct {
		Nonce   uint64
		Balance *big.Int
	}
	ok, err := m.KVGet(balanceKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return types.EnsureAccount(&types.Account{Nonce: stored.Nonce, Balance: stored.Balance}), nil
}

// PutAccount persists the account record for addr.
func (w *Writer) PutAccount(addr types.Address, acc *types.Account) error {
	acc = types.EnsureAccount(acc)
	if acc.Balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	stored := struct {
		Nonce   uint64
		Balance *big.Int
	}{Nonce: acc.Nonce, Balance: acc.Balance}
	return w.KVPut(balanceKey(addr), &stored)
}

// Transfer moves amount from one account to another. A zero amount is a no-op.
func (w *Writer) Transfer(from, to types.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative transfer amount")
	}
	fromAcc, err := w.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("state: insufficient balance")
	}
	toAcc, err := w.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := w.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return w.PutAccount(to, toAcc)
}
