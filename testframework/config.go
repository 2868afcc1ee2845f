package testframework

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pelletier/go-toml/v2"
	"github.com/vulpemventures/go-elements/address"
)

const (
	// Addresses to generate to
	LBTC_BURN = "ert1qfkht0df45q00kzyayagw6vqhfhe8ve7z7wecm0xsrkgmyulewlzqumq3ep"
	BTC_BURN  = "2N61yGL5ZBy3yaiEM8312CuG78CBNQMWE4Y"

	DefaultFeeDelta = 1000000
	ReadyMarker     = "Done loading"
)

var TIMEOUT = setTimeout()

func setTimeout() time.Duration {
	if os.Getenv("SLOW_MACHINE") == "1" {
		return 420 * time.Second
	}
	return 150 * time.Second
}

// Duration reads and writes "1m30s" style strings.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("ParseDuration(%s) %w", b, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type PollConfig struct {
	Timeout     Duration `toml:"timeout"`
	Interval    Duration `toml:"interval"`
	MaxInterval Duration `toml:"max_interval"`
}

// ChainConfig describes how one daemon is configured and launched.
type ChainConfig struct {
	Binary           string   `toml:"binary"`
	Chain            string   `toml:"chain"`
	ConfigName       string   `toml:"config_name"`
	RpcUser          string   `toml:"rpc_user"`
	RpcPassword      string   `toml:"rpc_password"`
	WalletName       string   `toml:"wallet_name"`
	BurnAddress      string   `toml:"burn_address"`
	FallbackFee      string   `toml:"fallback_fee"`
	InitialFreeCoins string   `toml:"initial_free_coins"`
	FeeDelta         int64    `toml:"fee_delta"`
	ValidatePegin    bool     `toml:"validate_pegin"`
	Sidechain        bool     `toml:"sidechain"`
	Listen           bool     `toml:"listen"`
	MinVersion       int      `toml:"min_version"`
	MinBlocks        int      `toml:"min_blocks"`
	MinBalance       float64  `toml:"min_balance"`
	ExtraArgs        []string `toml:"extra_args"`
}

// Config holds the harness wide settings.
type Config struct {
	Timeout         Duration    `toml:"timeout"`
	StartupTimeout  Duration    `toml:"startup_timeout"`
	ShutdownTimeout Duration    `toml:"shutdown_timeout"`
	Poll            PollConfig  `toml:"poll"`
	Bitcoin         ChainConfig `toml:"bitcoin"`
	Liquid          ChainConfig `toml:"liquid"`
}

func DefaultBitcoinConfig() ChainConfig {
	return ChainConfig{
		Binary:      "bitcoind",
		Chain:       "regtest",
		ConfigName:  "bitcoin.conf",
		RpcUser:     "rpcuser",
		RpcPassword: "rpcpass",
		WalletName:  "lightningd-tests",
		BurnAddress: BTC_BURN,
		FallbackFee: "0.00001",
		FeeDelta:    DefaultFeeDelta,
		MinVersion:  160000,
		MinBlocks:   101,
		MinBalance:  1,
		ExtraArgs: []string{
			"-printtoconsole",
			"-server",
			"-logtimestamps",
			"-nolisten",
			"-txindex",
			"-addresstype=bech32",
		},
	}
}

func DefaultLiquidConfig() ChainConfig {
	return ChainConfig{
		Binary:           "elementsd",
		Chain:            "liquidregtest",
		ConfigName:       "elements.conf",
		RpcUser:          "rpcuser",
		RpcPassword:      "rpcpass",
		WalletName:       "liquidwallet",
		BurnAddress:      LBTC_BURN,
		FallbackFee:      "0.00001",
		InitialFreeCoins: "2100000000000000",
		FeeDelta:         DefaultFeeDelta,
		Sidechain:        true,
		Listen:           true,
		MinVersion:       160000,
		MinBlocks:        101,
		MinBalance:       1,
		ExtraArgs: []string{
			"-printtoconsole",
			"-server",
			"-logtimestamps",
		},
	}
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:         Duration(DefaultPollTimeout),
		StartupTimeout:  Duration(TIMEOUT),
		ShutdownTimeout: Duration(30 * time.Second),
		Poll: PollConfig{
			Timeout:     Duration(DefaultPollTimeout),
			Interval:    Duration(DefaultPollInterval),
			MaxInterval: Duration(DefaultMaxPollInterval),
		},
		Bitcoin: DefaultBitcoinConfig(),
		Liquid:  DefaultLiquidConfig(),
	}
}

// LoadConfig reads a toml file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	err = toml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("toml.Unmarshal() %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 || c.StartupTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	err := c.Bitcoin.Validate()
	if err != nil {
		return fmt.Errorf("bitcoin: %w", err)
	}
	err = c.Liquid.Validate()
	if err != nil {
		return fmt.Errorf("liquid: %w", err)
	}
	return nil
}

// Poller returns a poller following the [poll] section.
func (c *Config) Poller() *Poller {
	return &Poller{
		Timeout:     c.Poll.Timeout.Std(),
		Interval:    c.Poll.Interval.Std(),
		MaxInterval: c.Poll.MaxInterval.Std(),
	}
}

func (c Config) String() string {
	c.Bitcoin.RpcPassword = "*****"
	c.Liquid.RpcPassword = "*****"
	b, _ := json.Marshal(c)
	return string(b)
}

func (c *ChainConfig) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("missing binary")
	}
	if c.Chain == "" {
		return fmt.Errorf("missing chain")
	}
	if c.FeeDelta <= 0 {
		return fmt.Errorf("fee delta must be positive, got %d", c.FeeDelta)
	}
	return ValidateBurnAddress(c.BurnAddress, c.Sidechain)
}

// ValidateBurnAddress checks that addr decodes on the regtest network of the
// chain.
func ValidateBurnAddress(addr string, sidechain bool) error {
	if addr == "" {
		return fmt.Errorf("missing burn address")
	}
	if sidechain {
		_, err := address.ToOutputScript(addr)
		if err != nil {
			return fmt.Errorf("invalid burn address %s: %w", addr, err)
		}
		return nil
	}
	_, err := btcutil.DecodeAddress(addr, &chaincfg.RegressionNetParams)
	if err != nil {
		return fmt.Errorf("invalid burn address %s: %w", addr, err)
	}
	return nil
}

// WriteConfig writes an ini style daemon config. Keys are sorted so the file
// is stable between runs.
func WriteConfig(filename string, config map[string]string, sectionConfig map[string]string, sectionName string) error {
	var sb strings.Builder
	writeSorted(&sb, config)
	if sectionConfig != nil {
		fmt.Fprintf(&sb, "[%s]\n", sectionName)
		writeSorted(&sb, sectionConfig)
	}
	return os.WriteFile(filename, []byte(sb.String()), 0o600)
}

func writeSorted(sb *strings.Builder, kv map[string]string) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sb, "%s=%s\n", k, kv[k])
	}
}

// ReadConfig flattens a daemon config into one map. Section keys override
// global keys of the same name.
func ReadConfig(filename string) (map[string]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	global := map[string]string{}
	section := map[string]string{}
	inSection := false

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inSection = true
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if inSection {
			section[parts[0]] = parts[1]
		} else {
			global[parts[0]] = parts[1]
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for k, v := range section {
		global[k] = v
	}
	return global, nil
}
