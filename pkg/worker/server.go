package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/title-protocol/tee-worker/pkg/workererr"
)

/*
Server exposes the worker's three HTTP operations (spec.md §6):

	POST /create-ledger-state  (Inactive only)
	  {max_depth, max_buffer_size, recent_blockhash} ->
	  {signed_tx, tree_address, signing_pubkey, encryption_pubkey}

	POST /verify  (Active only)
	  hybrid-encrypted {download_url, processor_ids} -> AEAD-sealed
	  {results: [{processor_id, signed_json}]}

	POST /sign  (Active only)
	  {recent_blockhash, requests: [{signed_json_uri}]} ->
	  {partial_txs: [base64]}

Every request body may optionally be wrapped in a relay-authentication
envelope (§4.5); the worker accepts unwrapped bodies only when no
gateway public key is configured.
*/
type Server struct {
	worker     *Worker
	httpServer *http.Server
	logger     *zap.Logger
}

// operationHandler implements one HTTP operation's business logic,
// given the already-read request body. It returns the value to
// JSON-encode as the response, or an error mapped to a status code via
// workererr.HTTPStatus.
type operationHandler func(r *http.Request, body []byte) (interface{}, error)

// NewServer builds a Server bound to addr, wiring each operation
// handler behind the shared body-read and error-mapping wrapper. The
// body is read whole; this layer puts no size limit on it.
func NewServer(worker *Worker, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{worker: worker, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/create-ledger-state", s.wrap(http.MethodPost, worker.handleCreateLedgerState))
	mux.HandleFunc("/verify", s.wrap(http.MethodPost, worker.handleVerify))
	mux.HandleFunc("/sign", s.wrap(http.MethodPost, worker.handleSign))

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// wrap enforces the HTTP method, reads the body, runs op, and writes
// either the JSON-encoded result or a mapped JSON error.
func (s *Server) wrap(method string, op operationHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, workererr.Wrap(err, workererr.BadRequest, "failed to read request body"))
			return
		}

		result, err := op(r, body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written at this point; nothing left to
		// do but let the client see a truncated body.
		return
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	werr, ok := workererr.As(err)
	if !ok {
		werr = workererr.Wrap(err, workererr.Internal, "unclassified error")
	}
	writeJSON(w, workererr.HTTPStatus(werr.Kind), errorResponse{Error: werr.Error()})
}

// Start runs the HTTP server in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Sugar().Errorw("http server error", "error", err)
		}
	}()
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

// Handler returns the server's http.Handler, for use in tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
