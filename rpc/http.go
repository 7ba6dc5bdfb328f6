package rpc

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"artledger/core/state"
	"artledger/core/types"
	nativecommon "artledger/native/common"
	"artledger/native/loan"
	"artledger/native/registry"
	"artledger/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	authTokenEnv    = "ARTLEDGER_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020

	codeLoanNotFound  = -32031
	codeLoanForbidden = -32032
	codeLoanConflict  = -32033
	codeLoanPaused    = -32034
)

// Server exposes the loan and registry surfaces over a single JSON-RPC 2.0
// endpoint, plus a prometheus scrape endpoint.
type Server struct {
	engine   *loan.Engine
	registry *registry.Registry

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	authToken string
	metrics   *metrics.LoanMetrics
}

// NewServer wires the RPC surface to the loan engine and token registry. The
// bearer token is read from ARTLEDGER_RPC_TOKEN; an empty token disables auth,
// which is only acceptable for local development.
func NewServer(engine *loan.Engine, reg *registry.Registry) *Server {
	return &Server{
		engine:    engine,
		registry:  reg,
		limiters:  make(map[string]*rate.Limiter),
		authToken: strings.TrimSpace(os.Getenv(authTokenEnv)),
		metrics:   metrics.Loan(),
	}
}

// Start begins serving on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func (s *Server) limiterFor(remote string) *rate.Limiter {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Second/20), 40)
		s.limiters[host] = limiter
	}
	return limiter
}

// handle is the main request handler that routes to specific method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "invalid_request", "POST required")
		return
	}
	if !s.limiterFor(r.RemoteAddr).Allow() {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate_limited", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", "failed to read request body")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "unsupported jsonrpc version")
		return
	}

	outcome := "ok"
	defer func() {
		s.metrics.ObserveRPC(req.Method, outcome)
	}()

	switch req.Method {
	case "loan_create":
		outcome = s.handleLoanCreate(w, r, &req)
	case "loan_accept":
		outcome = s.handleLoanDecide(w, r, &req, true)
	case "loan_decline":
		outcome = s.handleLoanDecide(w, r, &req, false)
	case "loan_attachTokens":
		outcome = s.handleLoanAttach(w, r, &req)
	case "loan_start":
		outcome = s.handleLoanStart(w, r, &req)
	case "loan_borrow":
		outcome = s.handleLoanBorrow(w, r, &req)
	case "loan_stop":
		outcome = s.handleLoanStop(w, r, &req)
	case "loan_delete":
		outcome = s.handleLoanDelete(w, r, &req)
	case "loan_cancelTokens":
		outcome = s.handleLoanCancel(w, r, &req)
	case "loan_get":
		outcome = s.handleLoanGet(w, r, &req)
	case "loan_tokenLists":
		outcome = s.handleLoanTokenLists(w, r, &req)
	case "loan_listForToken":
		outcome = s.handleLoanListForToken(w, r, &req)
	case "loan_listForOwner":
		outcome = s.handleLoanListForOwner(w, r, &req)
	case "loan_freeSlots":
		outcome = s.handleLoanFreeSlots(w, r, &req)
	case "registry_mint":
		outcome = s.handleRegistryMint(w, r, &req)
	case "registry_ownerOf":
		outcome = s.handleRegistryOwnerOf(w, r, &req)
	case "registry_saleType":
		outcome = s.handleRegistrySaleType(w, r, &req)
	case "registry_setAutoAccept":
		outcome = s.handleRegistrySetAutoAccept(w, r, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", req.Method)
		outcome = "method_not_found"
	}
}

func parseAddressParam(value string) (types.Address, error) {
	var addr types.Address
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return addr, fmt.Errorf("address required")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid hex address: %w", err)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("address must be 20 bytes")
	}
	copy(addr[:], raw)
	return addr, nil
}

func formatAddress(addr types.Address) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// errorCode maps engine error kinds onto RPC status and error codes.
func errorCode(err error) (int, int, string) {
	switch {
	case errors.Is(err, loan.ErrLoanNotFound) || errors.Is(err, registry.ErrTokenNotFound):
		return http.StatusNotFound, codeLoanNotFound, "not_found"
	case errors.Is(err, loan.ErrUnauthorized) || errors.Is(err, loan.ErrNotTokenOwner) ||
		errors.Is(err, registry.ErrNotTokenOwner) || errors.Is(err, state.ErrUnauthorized):
		return http.StatusForbidden, codeLoanForbidden, "forbidden"
	case errors.Is(err, loan.ErrInvalidState) || errors.Is(err, loan.ErrInvalidTransition) ||
		errors.Is(err, loan.ErrAlreadyInLoan) || errors.Is(err, loan.ErrNotInLoan):
		return http.StatusConflict, codeLoanConflict, "conflict"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, codeLoanPaused, "module_paused"
	default:
		return http.StatusInternalServerError, codeServerError, "server_error"
	}
}

func writeEngineError(w http.ResponseWriter, id interface{}, err error) string {
	status, code, message := errorCode(err)
	writeError(w, status, id, code, message, err.Error())
	return message
}
