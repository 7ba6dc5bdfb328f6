package rpc

import (
	"net/http"

	"artledger/native/registry"
)

type registryMintParams struct {
	Owner string `json:"owner"`
}

type registryTokenParams struct {
	TokenID uint64 `json:"tokenId"`
}

type registryAutoAcceptParams struct {
	Caller  string `json:"caller"`
	Role    uint8  `json:"role"`
	Enabled bool   `json:"enabled"`
}

type tokenJSON struct {
	TokenID  uint64 `json:"tokenId"`
	Owner    string `json:"owner"`
	SaleType uint8  `json:"saleType"`
}

func (s *Server) handleRegistryMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params registryMintParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	owner, err := parseAddressParam(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	tokenID, err := s.registry.Mint(owner)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]uint64{"tokenId": tokenID})
	return "ok"
}

func (s *Server) handleRegistryOwnerOf(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params registryTokenParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	owner, err := s.registry.OwnerOf(params.TokenID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	sale, err := s.registry.SaleTypeOf(params.TokenID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, tokenJSON{TokenID: params.TokenID, Owner: formatAddress(owner), SaleType: uint8(sale)})
	return "ok"
}

func (s *Server) handleRegistrySaleType(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params registryTokenParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	sale, err := s.registry.SaleTypeOf(params.TokenID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]uint8{"saleType": uint8(sale)})
	return "ok"
}

func (s *Server) handleRegistrySetAutoAccept(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params registryAutoAcceptParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	caller, err := parseAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	role := registry.AutoAcceptRole(params.Role)
	if role != registry.RoleOthers && role != registry.RolePlatform {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "unknown auto-accept role")
		return "invalid_params"
	}
	if err := s.registry.SetAutoAccept(caller, role, params.Enabled); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, true)
	return "ok"
}
