package testframework

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeBlock struct {
	hash    string
	address string
	txs     []string
}

// fakeDaemon is a tiny in-memory regtest chain that speaks the subset of the
// bitcoind rpc interface the harness uses and writes the same log lines
// bitcoind prints.
type fakeDaemon struct {
	mu sync.Mutex

	server     *httptest.Server
	user, pass string

	blocks     []fakeBlock
	mempool    []string
	priorities map[string]int64
	wallets    map[string]bool // name -> loaded
	version    int
	balance    any
	sidechain  bool
	counter    int

	log               io.Writer
	quietInvalidation bool

	calls []string
	paths []string
}

func newFakeDaemon(t *testing.T, height int) *fakeDaemon {
	t.Helper()

	f := &fakeDaemon{
		user:       "rpcuser",
		pass:       "rpcpass",
		priorities: map[string]int64{},
		wallets:    map[string]bool{},
		version:    230000,
		balance:    50.0,
		log:        io.Discard,
	}
	f.blocks = append(f.blocks, fakeBlock{hash: f.nextHash("b")})
	for i := 0; i < height; i++ {
		f.blocks = append(f.blocks, fakeBlock{hash: f.nextHash("b")})
	}

	f.server = httptest.NewServer(f)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDaemon) port(t *testing.T) int {
	u, err := url.Parse(f.server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func (f *fakeDaemon) nextHash(kind string) string {
	f.counter++
	prefix := "00"
	if kind == "t" {
		prefix = "aa"
	}
	return prefix + fmt.Sprintf("%062x", f.counter)
}

func (f *fakeDaemon) setLog(w io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = w
}

func (f *fakeDaemon) logf(format string, args ...any) {
	fmt.Fprintf(f.log, "2024-01-01T00:00:00Z "+format+"\n", args...)
}

// addTx puts a new transaction into the mempool.
func (f *fakeDaemon) addTx() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	txid := f.nextHash("t")
	f.mempool = append(f.mempool, txid)
	return txid
}

// mineTxs puts transactions straight into a block at height.
func (f *fakeDaemon) mineTxs(height int, n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var txids []string
	for i := 0; i < n; i++ {
		txid := f.nextHash("t")
		f.blocks[height].txs = append(f.blocks[height].txs, txid)
		txids = append(txids, txid)
	}
	return txids
}

func (f *fakeDaemon) height() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks) - 1
}

func (f *fakeDaemon) blockAt(height int) fakeBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[height]
}

func (f *fakeDaemon) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

type fakeRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type fakeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != f.user || pass != f.pass {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req fakeRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	f.paths = append(f.paths, r.URL.Path)
	result, rpcErr := f.dispatch(req.Method, req.Params)
	f.mu.Unlock()

	resp := map[string]any{"result": result, "error": nil, "id": req.ID}
	w.Header().Set("Content-Type", "application/json")
	if rpcErr != nil {
		resp["result"] = nil
		resp["error"] = rpcErr
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeDaemon) dispatch(method string, params []json.RawMessage) (any, *fakeError) {
	str := func(i int) string {
		var s string
		if i < len(params) {
			json.Unmarshal(params[i], &s)
		}
		return s
	}
	num := func(i int) int64 {
		var n int64
		if i < len(params) {
			json.Unmarshal(params[i], &n)
		}
		return n
	}

	switch method {
	case "getblockcount":
		return len(f.blocks) - 1, nil
	case "getblockchaininfo":
		return map[string]any{"blocks": len(f.blocks) - 1, "chain": "regtest"}, nil
	case "getnetworkinfo":
		return map[string]any{"version": f.version}, nil
	case "getwalletinfo":
		return map[string]any{"balance": f.balance}, nil
	case "getblockhash":
		h := int(num(0))
		if h < 0 || h >= len(f.blocks) {
			return nil, &fakeError{Code: RpcInvalidParameter, Message: "Block height out of range"}
		}
		return f.blocks[h].hash, nil
	case "getblock":
		for _, b := range f.blocks {
			if b.hash == str(0) {
				return map[string]any{"hash": b.hash, "tx": append([]string{}, b.txs...)}, nil
			}
		}
		return nil, &fakeError{Code: RpcInvalidAddressOrKey, Message: "Block not found"}
	case "getrawmempool":
		return append([]string{}, f.mempool...), nil
	case "prioritisetransaction":
		if len(params) > 1 && string(params[1]) != "null" {
			return nil, &fakeError{Code: RpcInvalidParameter, Message: "Priority is no longer supported, dummy argument to prioritisetransaction must be 0."}
		}
		f.priorities[str(0)] += num(2)
		return true, nil
	case "invalidateblock":
		for h, b := range f.blocks {
			if b.hash != str(0) {
				continue
			}
			for _, orphan := range f.blocks[h:] {
				f.mempool = append(f.mempool, orphan.txs...)
			}
			f.blocks = f.blocks[:h]
			if !f.quietInvalidation {
				f.logf("InvalidChainFound: invalid block=%s  height=%d  log2_work=7.651052  date=2024-01-01T00:00:00Z", b.hash, h)
			}
			return nil, nil
		}
		return nil, &fakeError{Code: RpcInvalidAddressOrKey, Message: "Block not found"}
	case "generatetoaddress":
		var hashes []string
		for i := int64(0); i < num(0); i++ {
			block := fakeBlock{hash: f.nextHash("b"), address: str(1)}
			var keep []string
			for _, txid := range f.mempool {
				if f.priorities[txid] < 0 {
					keep = append(keep, txid)
					continue
				}
				block.txs = append(block.txs, txid)
			}
			f.mempool = keep
			f.blocks = append(f.blocks, block)
			hashes = append(hashes, block.hash)
			f.logf("UpdateTip: new best=%s height=%d version=0x20000000 log2_work=7.65 tx=%d", block.hash, len(f.blocks)-1, len(block.txs))
		}
		return hashes, nil
	case "getnewaddress":
		if f.sidechain {
			return "el1qqfake", nil
		}
		return "bcrt1qfake", nil
	case "getaddressinfo":
		return map[string]any{"address": str(0), "unconfidential": "ert1qfake"}, nil
	case "sendtoaddress":
		txid := f.nextHash("t")
		f.mempool = append(f.mempool, txid)
		return txid, nil
	case "listwallets":
		loaded := []string{}
		for name, ok := range f.wallets {
			if ok {
				loaded = append(loaded, name)
			}
		}
		return loaded, nil
	case "loadwallet":
		loaded, exists := f.wallets[str(0)]
		switch {
		case !exists:
			return nil, &fakeError{Code: RpcWalletNotFound, Message: "Wallet file verification failed. Path does not exist."}
		case loaded:
			return nil, &fakeError{Code: RpcWalletAlreadyLoaded, Message: "Wallet is already loaded."}
		}
		f.wallets[str(0)] = true
		return map[string]any{"name": str(0)}, nil
	case "createwallet":
		f.wallets[str(0)] = true
		return map[string]any{"name": str(0)}, nil
	case "rescanblockchain":
		return map[string]any{"start_height": 0, "stop_height": len(f.blocks) - 1}, nil
	case "stop":
		return "Bitcoin Core stopping", nil
	}
	return nil, &fakeError{Code: -32601, Message: "Method not found"}
}

// fastHarness keeps polling short so the tests stay quick.
func fastHarness() *Config {
	cfg := DefaultConfig()
	cfg.Timeout = Duration(2 * time.Second)
	cfg.StartupTimeout = Duration(5 * time.Second)
	cfg.ShutdownTimeout = Duration(2 * time.Second)
	cfg.Poll = PollConfig{
		Timeout:     Duration(2 * time.Second),
		Interval:    Duration(10 * time.Millisecond),
		MaxInterval: Duration(50 * time.Millisecond),
	}
	return cfg
}

// newReadyNode returns a node bound to the fake daemon that is Ready
// without a process behind it.
func newReadyNode(t *testing.T, f *fakeDaemon, harness *Config) *ChainNode {
	t.Helper()
	if harness == nil {
		harness = fastHarness()
	}

	n, err := NewBitcoinNode(t.TempDir(), harness, 1,
		WithRpcPort(f.port(t)),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)

	n.state = Ready
	f.setLog(n.StdOut)
	return n
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakedaemon.sh")
	script := "#!/bin/sh\n" + strings.TrimSpace(body) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
