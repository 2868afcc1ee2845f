package testframework

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	pkgerrors "github.com/pkg/errors"
	"github.com/ybbus/jsonrpc"
	"go.uber.org/zap"
)

// MockFunc answers a mocked rpc method instead of the daemon. Returning an
// *RPCError sends that error envelope.
type MockFunc func(params []json.RawMessage) (any, error)

type forwardedRequest struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type forwardedResponse struct {
	Result any               `json:"result"`
	Error  *jsonrpc.RPCError `json:"error"`
	ID     json.RawMessage   `json:"id"`
}

// RpcForwarder is a JSON-RPC endpoint on a local port that relays requests to
// a daemon. Processes under test are pointed at it so single methods can be
// mocked while the rest still reach the daemon. It is meant to be owned by a
// ChainNode.
type RpcForwarder struct {
	upstream   *RpcProxy
	logger     *zap.Logger
	httpClient *retryablehttp.Client

	mu     sync.Mutex
	mocks  map[string]MockFunc
	server *http.Server
	port   int
}

type LogWrapper struct {
	logger *zap.SugaredLogger
}

func (l *LogWrapper) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l *LogWrapper) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l *LogWrapper) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *LogWrapper) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}

func NewRpcForwarder(upstream *RpcProxy, logger *zap.Logger) *RpcForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("forwarder")

	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{
		Timeout:   upstream.timeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	c.RetryMax = 0
	c.CheckRetry = neverRetry
	c.Logger = &LogWrapper{logger: logger.Sugar()}

	return &RpcForwarder{
		upstream:   upstream,
		logger:     logger,
		httpClient: c,
		mocks:      map[string]MockFunc{},
	}
}

// Failures are reported to the caller. Whoever polls decides to try again.
func neverRetry(ctx context.Context, res *http.Response, err error) (bool, error) {
	return false, nil
}

// Start listens on a free local port. Starting twice is a no-op.
func (f *RpcForwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.server != nil {
		return nil
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("Listen() %w", err)
	}
	f.port = l.Addr().(*net.TCPAddr).Port
	f.server = &http.Server{Handler: f}

	go func(s *http.Server) {
		err := s.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Warn("forwarder stopped", zap.Error(err))
		}
	}(f.server)

	f.logger.Debug("forwarder listening", zap.Int("port", f.port))
	return nil
}

// Stop closes the listener and all open connections. Stopping a forwarder
// that is not running is a no-op.
func (f *RpcForwarder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.server == nil {
		return nil
	}
	err := f.server.Close()
	f.server = nil
	return err
}

func (f *RpcForwarder) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

func (f *RpcForwarder) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", f.Port())
}

func (f *RpcForwarder) Mock(method string, fn MockFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mocks[method] = fn
}

func (f *RpcForwarder) Unmock(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mocks, method)
}

func (f *RpcForwarder) mock(method string) (MockFunc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.mocks[method]
	return fn, ok
}

func (f *RpcForwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	trimmed := bytes.TrimSpace(body)
	batch := len(trimmed) > 0 && trimmed[0] == '['

	var reqs []forwardedRequest
	if batch {
		err = json.Unmarshal(trimmed, &reqs)
	} else {
		var req forwardedRequest
		err = json.Unmarshal(trimmed, &req)
		reqs = []forwardedRequest{req}
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed request: %v", err), http.StatusBadRequest)
		return
	}

	if !f.anyMocked(reqs) {
		f.relay(w, r.URL.Path, body)
		return
	}

	var replies []json.RawMessage
	for _, req := range reqs {
		reply, err := f.answer(r.URL.Path, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		replies = append(replies, reply)
	}

	w.Header().Set("Content-Type", "application/json")
	if batch {
		json.NewEncoder(w).Encode(replies)
		return
	}
	w.Write(replies[0])
}

func (f *RpcForwarder) anyMocked(reqs []forwardedRequest) bool {
	for _, req := range reqs {
		if _, ok := f.mock(req.Method); ok {
			return true
		}
	}
	return false
}

func (f *RpcForwarder) answer(path string, req forwardedRequest) (json.RawMessage, error) {
	fn, ok := f.mock(req.Method)
	if !ok {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		_, reply, err := f.forward(path, body)
		return reply, err
	}

	f.logger.Debug("answering mocked call", zap.String("method", req.Method))
	resp := forwardedResponse{ID: req.ID}
	result, err := fn(splitParams(req.Params))
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp.Error = &jsonrpc.RPCError{Code: rpcErr.Code, Message: rpcErr.Message}
		} else {
			resp.Error = &jsonrpc.RPCError{Code: RpcMiscError, Message: err.Error()}
		}
	} else {
		resp.Result = result
	}
	return json.Marshal(resp)
}

func splitParams(raw json.RawMessage) []json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var params []json.RawMessage
	if json.Unmarshal(trimmed, &params) != nil {
		// Named parameters are handed over as one object.
		return []json.RawMessage{trimmed}
	}
	return params
}

func (f *RpcForwarder) relay(w http.ResponseWriter, path string, body []byte) {
	status, reply, err := f.forward(path, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(reply)))
	w.WriteHeader(status)
	w.Write(reply)
}

func (f *RpcForwarder) forward(path string, body []byte) (int, []byte, error) {
	u := *f.upstream.serviceURL
	u.Path = path

	req, err := retryablehttp.NewRequest(http.MethodPost, u.String(), body)
	if err != nil {
		return 0, nil, pkgerrors.Wrap(err, "failed to create upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", f.upstream.authHeader)

	res, err := f.httpClient.Do(req)
	if err != nil {
		return 0, nil, pkgerrors.Wrap(err, "failed to call upstream")
	}
	defer res.Body.Close()

	reply, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, pkgerrors.Wrap(err, "failed to read upstream response")
	}
	return res.StatusCode, reply, nil
}
