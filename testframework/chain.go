package testframework

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/elementsproject/regtestharness/log"
	"github.com/ybbus/jsonrpc"
	"go.uber.org/zap"
)

type NodeState int

const (
	Configured NodeState = iota
	Starting
	Ready
	Stopped
	Crashed
)

func (s NodeState) String() string {
	switch s {
	case Configured:
		return "configured"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

var transitions = map[NodeState][]NodeState{
	Configured: {Starting, Stopped},
	Starting:   {Ready, Crashed, Stopped},
	Ready:      {Crashed, Stopped},
	Crashed:    {Stopped},
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNodeNotReady      = errors.New("node not ready")
)

// OwnedProxy is started and stopped together with the ChainNode it is
// registered with.
type OwnedProxy interface {
	Start() error
	Stop() error
}

// Recorder receives a note for every lifecycle and chain changing action.
type Recorder interface {
	Record(source, kind string, fields map[string]any) error
}

type NodeOption func(*ChainNode)

func WithRecorder(r Recorder) NodeOption {
	return func(n *ChainNode) {
		n.recorder = r
	}
}

// WithLogger sets the logger the node reports to and mirrors the daemon
// output to it.
func WithLogger(l *zap.Logger) NodeOption {
	return func(n *ChainNode) {
		n.logger = l
		n.teeOutput = true
	}
}

func WithRpcPort(port int) NodeOption {
	return func(n *ChainNode) {
		n.RpcPort = port
	}
}

func WithExtraArgs(args ...string) NodeOption {
	return func(n *ChainNode) {
		n.extraArgs = append(n.extraArgs, args...)
	}
}

// ChainNode is one bitcoind or elementsd instance owned by the harness.
type ChainNode struct {
	*DaemonProcess

	DataDir     string
	ConfigFile  string
	RpcHost     string
	RpcPort     int
	Port        int
	RpcUser     string
	RpcPassword string
	WalletName  string
	Network     string

	cfg       ChainConfig
	harness   *Config
	base      *ChainNode
	root      Caller
	rpc       Caller
	proxies   []OwnedProxy
	recorder  Recorder
	logger    *zap.Logger
	teeOutput bool
	extraArgs []string
	attached  bool

	mu    sync.Mutex
	state NodeState
}

// NewChainNode allocates ports and a data directory and writes the daemon
// config. The process is not started. base is the mainchain node a sidechain
// pegs to and may be nil.
func NewChainNode(testDir string, cfg ChainConfig, harness *Config, base *ChainNode, id int, opts ...NodeOption) (*ChainNode, error) {
	if harness == nil {
		harness = DefaultConfig()
	}
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("Validate() %w", err)
	}

	rpcPort, err := GetFreePort()
	if err != nil {
		return nil, err
	}

	port, err := GetFreePort()
	if err != nil {
		return nil, err
	}

	dataDir, err := MakeDataDir(testDir, cfg.Chain)
	if err != nil {
		return nil, err
	}

	n := &ChainNode{
		DataDir:     dataDir,
		ConfigFile:  filepath.Join(dataDir, cfg.ConfigName),
		RpcHost:     "127.0.0.1",
		RpcPort:     rpcPort,
		Port:        port,
		RpcUser:     cfg.RpcUser,
		RpcPassword: cfg.RpcPassword,
		WalletName:  cfg.WalletName,
		Network:     cfg.Chain,
		cfg:         cfg,
		harness:     harness,
		base:        base,
		state:       Configured,
	}
	for _, opt := range opts {
		opt(n)
	}

	prefix := fmt.Sprintf("%s-%d", filepath.Base(cfg.Binary), id)
	if n.logger == nil {
		n.logger = log.Logger()
	}
	n.logger = n.logger.Named(prefix)

	global, section := n.daemonConfig()
	err = WriteConfig(n.ConfigFile, global, section, cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("WriteConfig() %w", err)
	}

	proxy, err := NewRpcProxy(n.RpcHost, n.RpcPort, n.RpcUser, n.RpcPassword)
	if err != nil {
		return nil, fmt.Errorf("NewRpcProxy() %w", err)
	}
	n.root = proxy
	n.rpc = proxy.ForWallet(n.WalletName)

	cmdLine := []string{
		cfg.Binary,
		fmt.Sprintf("-datadir=%s", dataDir),
		fmt.Sprintf("-wallet=%s", n.WalletName),
	}
	cmdLine = append(cmdLine, cfg.ExtraArgs...)
	cmdLine = append(cmdLine, n.extraArgs...)

	n.DaemonProcess = NewDaemonProcess(cmdLine, prefix)
	n.DaemonProcess.SetPoller(harness.Poller())
	if n.teeOutput {
		n.DaemonProcess.TeeTo(n.logger)
	}

	n.record("configured", map[string]any{"datadir": dataDir, "rpcport": n.RpcPort})
	return n, nil
}

func NewBitcoinNode(testDir string, harness *Config, id int, opts ...NodeOption) (*ChainNode, error) {
	if harness == nil {
		harness = DefaultConfig()
	}
	return NewChainNode(testDir, harness.Bitcoin, harness, nil, id, opts...)
}

func NewLiquidNode(testDir string, harness *Config, bitcoin *ChainNode, id int, opts ...NodeOption) (*ChainNode, error) {
	if harness == nil {
		harness = DefaultConfig()
	}
	return NewChainNode(testDir, harness.Liquid, harness, bitcoin, id, opts...)
}

// AttachChainNode binds to a running daemon the harness did not start,
// described by its config file. The daemon's debug.log is followed so log
// confirmations keep working. Stop releases the node and leaves the daemon
// running.
func AttachChainNode(configFile string, cfg ChainConfig, harness *Config, opts ...NodeOption) (*ChainNode, error) {
	if harness == nil {
		harness = DefaultConfig()
	}
	conf, err := ReadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("ReadConfig() %w", err)
	}
	proxy, err := NewRpcProxyFromConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("NewRpcProxyFromConfig() %w", err)
	}
	rpcPort, err := strconv.Atoi(conf["rpcport"])
	if err != nil {
		return nil, fmt.Errorf("rpcport: %w", err)
	}

	dataDir := filepath.Dir(configFile)
	network := conf["chain"]
	if conf["regtest"] == "1" {
		network = "regtest"
	}
	logDir := dataDir
	if network != "" && network != "main" {
		logDir = filepath.Join(dataDir, network)
	}

	n := &ChainNode{
		DataDir:     dataDir,
		ConfigFile:  configFile,
		RpcHost:     "localhost",
		RpcPort:     rpcPort,
		RpcUser:     conf["rpcuser"],
		RpcPassword: conf["rpcpassword"],
		WalletName:  cfg.WalletName,
		Network:     network,
		cfg:         cfg,
		harness:     harness,
		attached:    true,
		state:       Ready,
	}
	for _, opt := range opts {
		opt(n)
	}

	prefix := fmt.Sprintf("%s-attached", filepath.Base(cfg.Binary))
	if n.logger == nil {
		n.logger = log.Logger()
	}
	n.logger = n.logger.Named(prefix)

	n.root = proxy
	n.rpc = proxy
	if n.WalletName != "" {
		n.rpc = proxy.ForWallet(n.WalletName)
	}

	n.DaemonProcess = NewDaemonProcess([]string{"tail", "-n", "1", "-F", filepath.Join(logDir, "debug.log")}, prefix)
	n.DaemonProcess.SetPoller(harness.Poller())
	if n.teeOutput {
		n.DaemonProcess.TeeTo(n.logger)
	}
	err = n.DaemonProcess.Run()
	if err != nil {
		return nil, fmt.Errorf("Run() %w", err)
	}

	// Once the last existing line shows up the follower is in place and
	// every later line will be seen.
	err = n.WaitForLog(".", harness.StartupTimeout.Std())
	if err != nil {
		n.DaemonProcess.Stop(harness.ShutdownTimeout.Std())
		return nil, fmt.Errorf("can not follow %s: %w", filepath.Join(logDir, "debug.log"), err)
	}

	n.record("attached", map[string]any{"config": configFile})
	return n, nil
}

func (n *ChainNode) daemonConfig() (map[string]string, map[string]string) {
	global := map[string]string{
		"rpcuser":     n.RpcUser,
		"rpcpassword": n.RpcPassword,
		"fallbackfee": n.cfg.FallbackFee,
	}
	if n.cfg.Chain == "regtest" {
		global["regtest"] = "1"
	} else {
		global["chain"] = n.cfg.Chain
	}
	if n.cfg.Listen {
		global["listen"] = "1"
	}

	if n.cfg.Sidechain {
		global["initialfreecoins"] = n.cfg.InitialFreeCoins
		global["validatepegin"] = boolFlag(n.cfg.ValidatePegin)
		if n.base != nil {
			global["mainchainrpchost"] = n.base.RpcHost
			global["mainchainrpcport"] = strconv.Itoa(n.base.RpcPort)
			global["mainchainrpcuser"] = n.base.RpcUser
			global["mainchainrpcpassword"] = n.base.RpcPassword
		}
	}

	section := map[string]string{
		"rpcport": strconv.Itoa(n.RpcPort),
		"port":    strconv.Itoa(n.Port),
	}
	return global, section
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (n *ChainNode) Config() ChainConfig {
	return n.cfg
}

// State returns the lifecycle state. A process that died while starting or
// ready moves the node to Crashed.
func (n *ChainNode) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()

	if (n.state == Starting || n.state == Ready) && n.DaemonProcess.HasExited() {
		n.state = Crashed
		n.logger.Warn("daemon exited unexpectedly", zap.Error(n.DaemonProcess.ExitErr()))
		n.record("crashed", map[string]any{"exit": fmt.Sprint(n.DaemonProcess.ExitErr())})
	}
	return n.state
}

func (n *ChainNode) transition(to NodeState) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, allowed := range transitions[n.state] {
		if allowed == to {
			n.logger.Debug("state change", zap.Stringer("from", n.state), zap.Stringer("to", to))
			n.state = to
			n.record("state", map[string]any{"state": to.String()})
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.state, to)
}

// Start launches the daemon, waits for it to be ready and brings the chain
// into the starting shape every scenario expects: a recent enough daemon,
// a loaded wallet, enough blocks and a spendable balance.
func (n *ChainNode) Start() error {
	err := n.transition(Starting)
	if err != nil {
		return err
	}

	err = n.DaemonProcess.Run()
	if err != nil {
		n.transition(Stopped)
		return fmt.Errorf("Run() %w", err)
	}

	// Wait for deamon process to be ready
	err = n.WaitForLog(ReadyMarker, n.harness.StartupTimeout.Std())
	if err != nil {
		if n.State() != Crashed {
			n.DaemonProcess.Stop(n.harness.ShutdownTimeout.Std())
			n.transition(Stopped)
		}
		return fmt.Errorf("%s did not get ready: %w", n.Prefix(), err)
	}

	err = n.transition(Ready)
	if err != nil {
		return err
	}
	n.logger.Info("daemon ready", zap.Int("rpcport", n.RpcPort))

	err = n.checkVersion()
	if err != nil {
		return err
	}

	err = n.ensureWallet()
	if err != nil {
		return err
	}

	err = n.ensureFunds()
	if err != nil {
		return err
	}

	for _, p := range n.proxies {
		err = p.Start()
		if err != nil {
			return fmt.Errorf("proxy Start() %w", err)
		}
	}
	return nil
}

func (n *ChainNode) checkVersion() error {
	var version int
	err := n.harness.Poller().Poll("rpc warmup of "+n.Prefix(), func() (bool, error) {
		var err error
		version, err = n.NetworkVersion()
		if IsRPCError(err, RpcInWarmup) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return err
	}
	if version < n.cfg.MinVersion {
		return fmt.Errorf("%s version %d is below %d", n.cfg.Binary, version, n.cfg.MinVersion)
	}
	return nil
}

func (n *ChainNode) ensureWallet() error {
	var loaded []string
	err := callFor(n.guarded(n.root), &loaded, "listwallets")
	if err != nil {
		return fmt.Errorf("Call(listwallets) %w", err)
	}
	for _, w := range loaded {
		if w == n.WalletName {
			return nil
		}
	}

	_, err = n.guarded(n.root).Call("loadwallet", n.WalletName)
	switch {
	case err == nil, IsRPCError(err, RpcWalletAlreadyLoaded):
		return nil
	case IsRPCError(err, RpcWalletNotFound):
	default:
		return fmt.Errorf("can not load wallet: %w", err)
	}

	_, err = n.guarded(n.root).Call("createwallet", n.WalletName)
	if err != nil {
		return fmt.Errorf("can not create wallet: %w", err)
	}

	if n.cfg.Sidechain {
		// Rescan blockchain to "add" the initial free coins to the new wallet.
		_, err = n.Call("rescanblockchain")
		if err != nil {
			return fmt.Errorf("Call(rescanblockchain) %w", err)
		}
	}
	return nil
}

func (n *ChainNode) ensureFunds() error {
	blockchainInfo := struct {
		Blocks int `json:"blocks"`
	}{}
	err := n.CallFor(&blockchainInfo, "getblockchaininfo")
	if err != nil {
		return fmt.Errorf("Call(getblockchaininfo) %w", err)
	}

	var mine int
	if blockchainInfo.Blocks < n.cfg.MinBlocks {
		mine = n.cfg.MinBlocks - blockchainInfo.Blocks
	} else {
		balance, err := n.WalletBalance()
		if err != nil {
			return err
		}
		if balance < n.cfg.MinBalance {
			mine = 1
		}
	}
	if mine == 0 {
		return nil
	}

	addr, err := n.GetNewAddress()
	if err != nil {
		return err
	}
	_, err = n.GenerateToAddress(mine, addr)
	return err
}

func (n *ChainNode) guarded(c Caller) Caller {
	return guardedCaller{node: n, next: c}
}

type guardedCaller struct {
	node *ChainNode
	next Caller
}

func (g guardedCaller) Call(method string, parameters ...any) (*jsonrpc.RPCResponse, error) {
	state := g.node.State()
	if state != Ready {
		return nil, fmt.Errorf("%w: %s is %s, calling %s", ErrNodeNotReady, g.node.Prefix(), state, method)
	}
	g.node.logger.Debug("rpc call", zap.String("method", method))
	return g.next.Call(method, parameters...)
}

// Call invokes method on the node's wallet endpoint. It fails with
// ErrNodeNotReady unless the node is Ready.
func (n *ChainNode) Call(method string, parameters ...any) (*jsonrpc.RPCResponse, error) {
	return n.guarded(n.rpc).Call(method, parameters...)
}

func (n *ChainNode) CallFor(out any, method string, parameters ...any) error {
	return callFor(n.guarded(n.rpc), out, method, parameters...)
}

// RegisterProxy ties p to the node's lifetime. A proxy registered on a ready
// node is started right away.
func (n *ChainNode) RegisterProxy(p OwnedProxy) error {
	n.proxies = append(n.proxies, p)
	if n.State() == Ready {
		return p.Start()
	}
	return nil
}

// NewForwarder returns a started RpcForwarder owned by the node.
func (n *ChainNode) NewForwarder() (*RpcForwarder, error) {
	proxy, err := NewRpcProxy(n.RpcHost, n.RpcPort, n.RpcUser, n.RpcPassword)
	if err != nil {
		return nil, err
	}
	f := NewRpcForwarder(proxy, n.logger)
	err = n.RegisterProxy(f)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Stop tears the node down: owned proxies first, in registration order, then
// the daemon. Stopping twice, or stopping a crashed node, is fine.
func (n *ChainNode) Stop() error {
	state := n.State()
	if state == Stopped {
		return nil
	}

	var errs []error
	for _, p := range n.proxies {
		err := p.Stop()
		if err != nil {
			errs = append(errs, fmt.Errorf("proxy Stop() %w", err))
		}
	}

	if state == Ready && !n.attached {
		// The daemon may die before it answers.
		_, err := n.root.Call("stop")
		if err != nil {
			n.logger.Debug("stop rpc failed", zap.Error(err))
		}
	}

	err := n.DaemonProcess.Stop(n.harness.ShutdownTimeout.Std())
	if err != nil {
		errs = append(errs, err)
	}

	n.mu.Lock()
	n.state = Stopped
	n.mu.Unlock()
	n.record("stopped", nil)
	return errors.Join(errs...)
}

func (n *ChainNode) NetworkVersion() (int, error) {
	networkInfo := struct {
		Version int `json:"version"`
	}{}
	err := n.CallFor(&networkInfo, "getnetworkinfo")
	if err != nil {
		return 0, fmt.Errorf("Call(getnetworkinfo) %w", err)
	}
	return networkInfo.Version, nil
}

func (n *ChainNode) BlockCount() (int, error) {
	r, err := n.Call("getblockcount")
	if err != nil {
		return 0, fmt.Errorf("Call(getblockcount) %w", err)
	}
	count, err := r.GetInt()
	if err != nil {
		return 0, fmt.Errorf("GetInt() %w", err)
	}
	return int(count), nil
}

func (n *ChainNode) BlockHash(height int) (string, error) {
	r, err := n.Call("getblockhash", height)
	if err != nil {
		return "", fmt.Errorf("Call(getblockhash, %d) %w", height, err)
	}
	return r.GetString()
}

// BlockTxids returns the ids of the transactions in block hash.
func (n *ChainNode) BlockTxids(hash string) ([]string, error) {
	block := struct {
		Tx []string `json:"tx"`
	}{}
	err := n.CallFor(&block, "getblock", hash, 1)
	if err != nil {
		return nil, fmt.Errorf("Call(getblock, %s) %w", hash, err)
	}
	return block.Tx, nil
}

func (n *ChainNode) RawMempool() ([]string, error) {
	var txids []string
	err := n.CallFor(&txids, "getrawmempool")
	if err != nil {
		return nil, fmt.Errorf("Call(getrawmempool) %w", err)
	}
	return txids, nil
}

// WalletBalance returns the trusted balance of the node's wallet in whole
// coins. On elements the policy asset balance is returned.
func (n *ChainNode) WalletBalance() (float64, error) {
	walletInfo := struct {
		Balance json.RawMessage `json:"balance"`
	}{}
	err := n.CallFor(&walletInfo, "getwalletinfo")
	if err != nil {
		return 0, fmt.Errorf("Call(getwalletinfo) %w", err)
	}
	return decodeBalance(walletInfo.Balance)
}

func decodeBalance(raw json.RawMessage) (float64, error) {
	var balance float64
	err := json.Unmarshal(raw, &balance)
	if err == nil {
		return balance, nil
	}

	var assets map[string]float64
	err = json.Unmarshal(raw, &assets)
	if err != nil {
		return 0, fmt.Errorf("unexpected balance %s", raw)
	}
	return assets["bitcoin"], nil
}

// GetNewAddress returns a fresh address of the node's wallet. On sidechains
// the unconfidential form is returned.
func (n *ChainNode) GetNewAddress() (string, error) {
	r, err := n.Call("getnewaddress")
	if err != nil {
		return "", fmt.Errorf("Call(getnewaddress) %w", err)
	}
	addr, err := r.GetString()
	if err != nil {
		return "", fmt.Errorf("could not get address string from response")
	}
	if !n.cfg.Sidechain {
		return addr, nil
	}

	info := struct {
		Unconfidential string `json:"unconfidential"`
	}{}
	err = n.CallFor(&info, "getaddressinfo", addr)
	if err != nil {
		return "", fmt.Errorf("Call(getaddressinfo) %w", err)
	}
	return info.Unconfidential, nil
}

func (n *ChainNode) SendToAddress(addr string, amount float64) (string, error) {
	params := []any{addr, amount}
	if n.cfg.Sidechain {
		params = append(params, "", "", false, false, 1, "UNSET")
	}
	r, err := n.Call("sendtoaddress", params...)
	if err != nil {
		return "", fmt.Errorf("Call(sendtoaddress, %s, %v) %w", addr, amount, err)
	}
	txid, err := r.GetString()
	if err != nil {
		return "", err
	}
	n.record("send", map[string]any{"address": addr, "amount": amount, "txid": txid})
	return txid, nil
}

func (n *ChainNode) InvalidateBlock(hash string) error {
	_, err := n.Call("invalidateblock", hash)
	if err != nil {
		return fmt.Errorf("Call(invalidateblock, %s) %w", hash, err)
	}
	n.record("invalidateblock", map[string]any{"hash": hash})
	return nil
}

// PrioritiseTransaction shifts the fee the miner accounts txid with by delta
// satoshis.
func (n *ChainNode) PrioritiseTransaction(txid string, delta int64) error {
	_, err := n.Call("prioritisetransaction", txid, nil, delta)
	if err != nil {
		return fmt.Errorf("Call(prioritisetransaction, %s) %w", txid, err)
	}
	return nil
}

func (n *ChainNode) GenerateToAddress(blocks int, addr string) ([]string, error) {
	var hashes []string
	err := n.CallFor(&hashes, "generatetoaddress", blocks, addr)
	if err != nil {
		return nil, fmt.Errorf("Call(generatetoaddress, %d, %s) %w", blocks, addr, err)
	}
	n.record("generate", map[string]any{"blocks": blocks, "address": addr})
	return hashes, nil
}

func (n *ChainNode) record(kind string, fields map[string]any) {
	if n.recorder == nil {
		return
	}
	source := n.Network
	if n.DaemonProcess != nil {
		source = n.Prefix()
	}
	err := n.recorder.Record(source, kind, fields)
	if err != nil {
		n.logger.Warn("could not record event", zap.String("kind", kind), zap.Error(err))
	}
}
