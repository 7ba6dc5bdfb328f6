package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"artledger/core/types"
	"artledger/native/loan"
)

type loanCreateParams struct {
	Caller    string   `json:"caller"`
	Tokens    []uint64 `json:"tokens"`
	StartDate uint64   `json:"startDate"`
	Duration  uint64   `json:"duration"`
	Deposit   string   `json:"deposit"`
}

type loanTokensParams struct {
	Caller string   `json:"caller"`
	LoanID uint64   `json:"loanId"`
	Tokens []uint64 `json:"tokens"`
}

type loanIDParams struct {
	Caller string `json:"caller,omitempty"`
	LoanID uint64 `json:"loanId"`
}

type loanJSON struct {
	LoanID    uint64 `json:"loanId"`
	Owner     string `json:"owner"`
	StartDate uint64 `json:"startDate"`
	Duration  uint64 `json:"duration"`
	Price     string `json:"price"`
	Status    uint8  `json:"status"`
}

type loanCreateResult struct {
	LoanID      uint64   `json:"loanId"`
	NotApproved []uint64 `json:"notApproved"`
	Approved    []uint64 `json:"approved"`
	Declined    []uint64 `json:"declined"`
}

type tokenListsResult struct {
	NotApproved []uint64 `json:"notApproved"`
	Approved    []uint64 `json:"approved"`
	Declined    []uint64 `json:"declined"`
}

func emptyIfNil(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}

func loanToJSON(l *loan.Loan) loanJSON {
	price := "0"
	if l.Price != nil {
		price = l.Price.String()
	}
	return loanJSON{
		LoanID:    l.ID,
		Owner:     formatAddress(l.Owner),
		StartDate: l.StartDate,
		Duration:  l.Duration,
		Price:     price,
		Status:    uint8(l.Status),
	}
}

// decodeParams enforces the single-object parameter convention shared by every
// method. It returns a non-empty outcome when the request was rejected.
func decodeParams(w http.ResponseWriter, r *http.Request, s *Server, req *RPCRequest, out interface{}) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "unauthorized"
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return "invalid_params"
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	return ""
}

func (s *Server) handleLoanCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params loanCreateParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	caller, err := parseAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	deposit := big.NewInt(0)
	if trimmed := strings.TrimSpace(params.Deposit); trimmed != "" {
		parsed, ok := new(big.Int).SetString(trimmed, 10)
		if !ok || parsed.Sign() < 0 {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "deposit must be a non-negative integer")
			return "invalid_params"
		}
		deposit = parsed
	}
	result, err := s.engine.Create(caller, params.Tokens, params.StartDate, params.Duration, deposit)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	s.metrics.ObserveTransition("create")
	s.metrics.ObserveDeclined(len(result.Declined))
	writeResult(w, req.ID, loanCreateResult{
		LoanID:      result.LoanID,
		NotApproved: emptyIfNil(result.NotApproved),
		Approved:    emptyIfNil(result.Approved),
		Declined:    emptyIfNil(result.Declined),
	})
	return "ok"
}

func (s *Server) handleLoanDecide(w http.ResponseWriter, r *http.Request, req *RPCRequest, approve bool) string {
	var params loanTokensParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	caller, err := parseAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if approve {
		err = s.engine.Accept(caller, params.LoanID, params.Tokens)
	} else {
		err = s.engine.Decline(caller, params.LoanID, params.Tokens)
	}
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	if approve {
		s.metrics.ObserveTransition("accept")
	} else {
		s.metrics.ObserveTransition("decline")
	}
	writeResult(w, req.ID, true)
	return "ok"
}

func (s *Server) handleLoanAttach(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params loanTokensParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	caller, err := parseAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.engine.AttachTokens(caller, params.LoanID, params.Tokens); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	s.metrics.ObserveTransition("attach")
	writeResult(w, req.ID, true)
	return "ok"
}

func (s *Server) loanTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, name string, fn func(caller types.Address, loanID uint64) error) string {
	var params loanIDParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	caller, err := parseAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := fn(caller, params.LoanID); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	s.metrics.ObserveTransition(name)
	writeResult(w, req.ID, true)
	return "ok"
}

func (s *Server) handleLoanStart(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	return s.loanTransition(w, r, req, "start", func(caller types.Address, loanID uint64) error {
		if err := s.engine.Start(caller, loanID); err != nil {
			return err
		}
		s.metrics.AddActive(1)
		if lists, err := s.engine.TokenLists(loanID); err == nil {
			s.metrics.AddBorrowed(len(lists.Approved))
		}
		return nil
	})
}

func (s *Server) handleLoanBorrow(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	return s.loanTransition(w, r, req, "borrow", s.engine.Borrow)
}

func (s *Server) handleLoanStop(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	return s.loanTransition(w, r, req, "stop", func(caller types.Address, loanID uint64) error {
		prior, err := s.engine.GetLoan(loanID)
		if err != nil {
			return err
		}
		var borrowed int
		if prior.Status == loan.StatusActive {
			if lists, err := s.engine.TokenLists(loanID); err == nil {
				borrowed = len(lists.Approved)
			}
		}
		if err := s.engine.Stop(caller, loanID); err != nil {
			return err
		}
		if prior.Status == loan.StatusActive {
			s.metrics.AddActive(-1)
			s.metrics.AddBorrowed(-borrowed)
		}
		return nil
	})
}

func (s *Server) handleLoanDelete(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	return s.loanTransition(w, r, req, "delete", s.engine.Delete)
}

func (s *Server) handleLoanCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params loanTokensParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	caller, err := parseAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.engine.CancelTokens(caller, params.Tokens, params.LoanID); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	s.metrics.ObserveTransition("cancel")
	writeResult(w, req.ID, true)
	return "ok"
}

func (s *Server) handleLoanGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params loanIDParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	l, err := s.engine.GetLoan(params.LoanID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, loanToJSON(l))
	return "ok"
}

func (s *Server) handleLoanTokenLists(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params loanIDParams
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	lists, err := s.engine.TokenLists(params.LoanID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, tokenListsResult{
		NotApproved: emptyIfNil(lists.NotApproved),
		Approved:    emptyIfNil(lists.Approved),
		Declined:    emptyIfNil(lists.Declined),
	})
	return "ok"
}

func (s *Server) handleLoanListForToken(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params struct {
		TokenID uint64 `json:"tokenId"`
	}
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	ids, err := s.engine.LoansOfToken(params.TokenID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, emptyIfNil(ids))
	return "ok"
}

func (s *Server) handleLoanListForOwner(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params struct {
		Owner string `json:"owner"`
	}
	if outcome := decodeParams(w, r, s, req, &params); outcome != "" {
		return outcome
	}
	owner, err := parseAddressParam(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	ids, err := s.engine.LoansOfOwner(owner)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, emptyIfNil(ids))
	return "ok"
}

func (s *Server) handleLoanFreeSlots(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "unauthorized"
	}
	ids, err := s.engine.FreeSlots()
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, emptyIfNil(ids))
	return "ok"
}
