package testframework

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/ybbus/jsonrpc"
)

// Error codes returned by bitcoind and elementsd.
const (
	RpcMiscError            = -1
	RpcInvalidAddressOrKey  = -5
	RpcInvalidParameter     = -8
	RpcWalletNotFound       = -18
	RpcVerifyError          = -25
	RpcVerifyRejected       = -26
	RpcVerifyAlreadyInChain = -27
	RpcInWarmup             = -28
	RpcWalletAlreadyLoaded  = -35
)

// RPCError is an error envelope returned by the daemon.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error calling %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// IsRPCError reports whether err carries an RPCError with the given code.
func IsRPCError(err error, code int) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == code
}

// Caller is anything that can invoke a daemon rpc method.
//
//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_caller.go -package=mocks github.com/elementsproject/regtestharness/testframework Caller
type Caller interface {
	Call(method string, parameters ...any) (*jsonrpc.RPCResponse, error)
}

// RpcProxy calls a daemon over JSON-RPC. It holds no connection: every call
// dials, sends one request and closes the connection again, because the
// daemons drop idle keep-alive connections on their own.
type RpcProxy struct {
	serviceURL *url.URL
	authHeader string
	timeout    time.Duration
}

func NewRpcProxy(host string, port int, user, password string) (*RpcProxy, error) {
	if user == "" {
		return nil, fmt.Errorf("no rpc user given for %s:%d", host, port)
	}
	return newRpcProxy(host, port, fmt.Sprintf("%s:%s", user, password))
}

func newRpcProxy(host string, port int, auth string) (*RpcProxy, error) {
	serviceRawURL := fmt.Sprintf("%s://%s:%d", "http", host, port)
	serviceURL, err := url.Parse(serviceRawURL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse() %w", err)
	}

	auth64 := base64.StdEncoding.EncodeToString([]byte(auth))
	return &RpcProxy{
		serviceURL: serviceURL,
		authHeader: "Basic " + auth64,
		timeout:    TIMEOUT,
	}, nil
}

// NewRpcProxyFromConfig reads host, port and credentials from a daemon config
// file. Without rpcpassword the .cookie file of the chain's data directory
// is used.
func NewRpcProxyFromConfig(configFile string) (*RpcProxy, error) {
	conf, err := ReadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("ReadConfig() %w", err)
	}

	var rpcPort int
	if port, ok := conf["rpcport"]; ok {
		portInt, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("could not convert string to int %w", err)
		}
		rpcPort = portInt
	} else {
		return nil, fmt.Errorf("rpcport not found in config %s", configFile)
	}

	rpcHost := "localhost"
	if host, ok := conf["rpchost"]; ok {
		rpcHost = host
	}

	var auth string
	if pass, ok := conf["rpcpassword"]; ok {
		if user, ok := conf["rpcuser"]; ok {
			auth = fmt.Sprintf("%s:%s", user, pass)
		} else {
			return nil, fmt.Errorf("rpcuser not found in config %s", configFile)
		}
	} else {
		// Assume cookie file.
		chain := conf["chain"]
		if chain == "" {
			chain = "regtest"
		}
		cookiePath := filepath.Join(filepath.Dir(configFile), chain, ".cookie")
		authByte, err := os.ReadFile(cookiePath)
		if err != nil {
			return nil, fmt.Errorf("can not read .cookie file at %s", cookiePath)
		}
		auth = string(authByte)
	}
	if auth == "" {
		return nil, fmt.Errorf("no .cookie file found and no rpcpassword found in config file %s", configFile)
	}

	return newRpcProxy(rpcHost, rpcPort, auth)
}

// URL returns the endpoint the proxy calls.
func (p *RpcProxy) URL() string {
	return p.serviceURL.String()
}

// WithTimeout returns a copy with a different per-call timeout.
func (p *RpcProxy) WithTimeout(timeout time.Duration) *RpcProxy {
	cp := *p
	cp.timeout = timeout
	return &cp
}

// ForWallet returns a copy bound to the wallet endpoint of name.
func (p *RpcProxy) ForWallet(name string) *RpcProxy {
	cp := *p
	u := *p.serviceURL
	u.Path = "/wallet/" + url.PathEscape(name)
	cp.serviceURL = &u
	return &cp
}

func (p *RpcProxy) client() jsonrpc.RPCClient {
	return jsonrpc.NewClientWithOpts(p.serviceURL.String(), &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{
			Timeout:   p.timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		CustomHeaders: map[string]string{
			"Authorization": p.authHeader,
		},
	})
}

// Call invokes method with positional parameters. Transport failures are
// returned as is, error envelopes as *RPCError. Nothing is retried.
func (p *RpcProxy) Call(method string, parameters ...any) (*jsonrpc.RPCResponse, error) {
	if parameters == nil {
		parameters = []any{}
	}

	// A single slice parameter would otherwise be sent unwrapped as the
	// params array.
	resp, err := p.client().Call(method, []any(parameters))
	if resp != nil && resp.Error != nil {
		return nil, &RPCError{
			Method:  method,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
		}
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "call %s on %s", method, p.serviceURL.Redacted())
	}
	return resp, nil
}

// CallFor decodes the result of method into out.
func (p *RpcProxy) CallFor(out any, method string, parameters ...any) error {
	return callFor(p, out, method, parameters...)
}

func callFor(c Caller, out any, method string, parameters ...any) error {
	resp, err := c.Call(method, parameters...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	err = resp.GetObject(out)
	if err != nil {
		return fmt.Errorf("GetObject(%s) %w", method, err)
	}
	return nil
}
