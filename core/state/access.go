package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"artledger/core/types"
	"artledger/storage"
)

var writerListKey = []byte("access/writers")

// AccessGate maintains the set of addresses permitted to obtain writer handles
// on the state manager. Only the gate owner, fixed at construction, may grow
// or shrink the set. The list is persisted alongside the rest of the ledger
// state so restarts keep the wiring intact.
type AccessGate struct {
	m     *Manager
	owner types.Address
}

func newAccessGate(m *Manager, owner types.Address) *AccessGate {
	return &AccessGate{m: m, owner: owner}
}

// Owner returns the address allowed to manage the writer set.
func (g *AccessGate) Owner() types.Address { return g.owner }

func (g *AccessGate) loadWriters() ([][]byte, error) {
	data, err := g.m.db.Get(hashKey(writerListKey))
	if err != nil {
		if err == storage.ErrNotFound {
			return [][]byte{}, nil
		}
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

func (g *AccessGate) storeWriters(list [][]byte) error {
	sort.Slice(list, func(i, j int) bool { return bytes.Compare(list[i], list[j]) < 0 })
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return g.m.db.Put(hashKey(writerListKey), encoded)
}

// Allow adds addr to the writer set. Duplicate additions are ignored so the
// stored list stays deterministic. Only the owner may call Allow.
func (g *AccessGate) Allow(caller, addr types.Address) error {
	if caller != g.owner {
		return fmt.Errorf("%w: gate owner required", ErrUnauthorized)
	}
	list, err := g.loadWriters()
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, addr[:]) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), addr[:]...))
	return g.storeWriters(list)
}

// Revoke removes addr from the writer set. Revoking an absent address is a
// no-op. Only the owner may call Revoke.
func (g *AccessGate) Revoke(caller, addr types.Address) error {
	if caller != g.owner {
		return fmt.Errorf("%w: gate owner required", ErrUnauthorized)
	}
	list, err := g.loadWriters()
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, addr[:]) {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == 0 {
		return g.m.db.Delete(hashKey(writerListKey))
	}
	return g.storeWriters(filtered)
}

// IsAllowed reports whether addr may obtain a writer handle. The gate owner is
// always allowed.
func (g *AccessGate) IsAllowed(addr types.Address) (bool, error) {
	if addr == g.owner {
		return true, nil
	}
	list, err := g.loadWriters()
	if err != nil {
		return false, err
	}
	for _, existing := range list {
		if bytes.Equal(existing, addr[:]) {
			return true, nil
		}
	}
	return false, nil
}

// Writers returns the persisted writer set in sorted order, excluding the
// implicit owner.
func (g *AccessGate) Writers() ([]types.Address, error) {
	list, err := g.loadWriters()
	if err != nil {
		return nil, err
	}
	out := make([]types.Address, 0, len(list))
	for _, raw := range list {
		var addr types.Address
		copy(addr[:], raw)
		out = append(out, addr)
	}
	return out, nil
}
