package registry

import (
	"errors"
	"fmt"

	"artledger/core/types"
)

// SaleType is the per-token mutual-exclusion marker recording which sale
// mechanism, if any, currently has a claim on the token.
type SaleType uint8

const (
	SaleNone SaleType = iota
	SaleOffer
	SaleAuction
	SaleLoan
)

// Valid reports whether the sale type is within the supported range.
func (s SaleType) Valid() bool {
	switch s {
	case SaleNone, SaleOffer, SaleAuction, SaleLoan:
		return true
	default:
		return false
	}
}

// AutoAcceptRole distinguishes who a loan request originates from when an
// owner's standing auto-accept preference is consulted.
type AutoAcceptRole uint8

const (
	RoleOthers AutoAcceptRole = iota
	RolePlatform
)

var (
	ErrTokenNotFound  = errors.New("registry: token not found")
	ErrNotTokenOwner  = errors.New("registry: caller is not the token owner")
	ErrInvalidSale    = errors.New("registry: invalid sale type")
	errNilState       = errors.New("registry: state not configured")
	errInvalidRole    = errors.New("registry: invalid auto-accept role")
	errZeroOwner      = errors.New("registry: owner address required")
	errCounterMissing = errors.New("registry: token counter corrupted")
)

// ledgerState is the subset of state manager functionality the registry needs.
type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	tokenCounterKey  = []byte("registry/nextToken")
	tokenPrefix      = "registry/token/"
	autoAcceptPrefix = "registry/autoaccept/"
)

func tokenKey(tokenID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", tokenPrefix, tokenID))
}

func autoAcceptKey(owner types.Address, role AutoAcceptRole) []byte {
	return []byte(fmt.Sprintf("%s%x/%d", autoAcceptPrefix, owner, role))
}

type storedToken struct {
	Owner    [20]byte
	SaleType uint8
}

// Registry owns token existence, current possession, the sale-type flag and
// owner auto-accept preferences. Ownership transfer here moves possession
// only; profit rights stay with the original party and are out of scope.
type Registry struct {
	state ledgerState
}

// NewRegistry constructs a registry bound to the provided state backend.
func NewRegistry(state ledgerState) *Registry {
	return &Registry{state: state}
}

func (r *Registry) withState() (ledgerState, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	return r.state, nil
}

// Mint registers a new token owned by owner and returns its id. Ids are
// monotonically assigned starting at 1 and never reused.
func (r *Registry) Mint(owner types.Address) (uint64, error) {
	state, err := r.withState()
	if err != nil {
		return 0, err
	}
	if owner == (types.Address{}) {
		return 0, errZeroOwner
	}
	var next uint64
	ok, err := state.KVGet(tokenCounterKey, &next)
	if err != nil {
		return 0, err
	}
	if !ok {
		next = 1
	} else if next == 0 {
		return 0, errCounterMissing
	}
	record := storedToken{Owner: owner, SaleType: uint8(SaleNone)}
	if err := state.KVPut(tokenKey(next), &record); err != nil {
		return 0, err
	}
	if err := state.KVPut(tokenCounterKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *Registry) loadToken(tokenID uint64) (*storedToken, error) {
	state, err := r.withState()
	if err != nil {
		return nil, err
	}
	var record storedToken
	ok, err := state.KVGet(tokenKey(tokenID), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTokenNotFound, tokenID)
	}
	return &record, nil
}

// Exists reports whether a token has been minted under the id.
func (r *Registry) Exists(tokenID uint64) (bool, error) {
	state, err := r.withState()
	if err != nil {
		return false, err
	}
	return state.KVGet(tokenKey(tokenID), nil)
}

// OwnerOf returns the current holder of the token.
func (r *Registry) OwnerOf(tokenID uint64) (types.Address, error) {
	record, err := r.loadToken(tokenID)
	if err != nil {
		return types.Address{}, err
	}
	return record.Owner, nil
}

// TransferPossession moves the token from its current holder to another
// address. The from address must match the recorded holder.
func (r *Registry) TransferPossession(tokenID uint64, from, to types.Address) error {
	record, err := r.loadToken(tokenID)
	if err != nil {
		return err
	}
	if record.Owner != from {
		return fmt.Errorf("%w: token %d", ErrNotTokenOwner, tokenID)
	}
	if to == (types.Address{}) {
		return errZeroOwner
	}
	record.Owner = to
	return r.state.KVPut(tokenKey(tokenID), record)
}

// SaleTypeOf returns the token's current sale-type flag.
func (r *Registry) SaleTypeOf(tokenID uint64) (SaleType, error) {
	record, err := r.loadToken(tokenID)
	if err != nil {
		return SaleNone, err
	}
	return SaleType(record.SaleType), nil
}

// SetSaleType records the sale mechanism currently claiming the token.
func (r *Registry) SetSaleType(tokenID uint64, sale SaleType) error {
	if !sale.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSale, sale)
	}
	record, err := r.loadToken(tokenID)
	if err != nil {
		return err
	}
	record.SaleType = uint8(sale)
	return r.state.KVPut(tokenKey(tokenID), record)
}

// AutoAcceptFrom reports the owner's standing preference for skipping the
// explicit accept step on loan requests from the given role.
func (r *Registry) AutoAcceptFrom(owner types.Address, role AutoAcceptRole) (bool, error) {
	state, err := r.withState()
	if err != nil {
		return false, err
	}
	if role != RoleOthers && role != RolePlatform {
		return false, errInvalidRole
	}
	var enabled bool
	ok, err := state.KVGet(autoAcceptKey(owner, role), &enabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return enabled, nil
}

// SetAutoAccept stores the owner's auto-accept preference for the given role.
func (r *Registry) SetAutoAccept(owner types.Address, role AutoAcceptRole, enabled bool) error {
	state, err := r.withState()
	if err != nil {
		return err
	}
	if owner == (types.Address{}) {
		return errZeroOwner
	}
	if role != RoleOthers && role != RolePlatform {
		return errInvalidRole
	}
	return state.KVPut(autoAcceptKey(owner, role), enabled)
}
