package main

import (
	"encoding/json"
	"errors"
	"fmt"
	core_log "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/elementsproject/regtestharness/journal"
	"github.com/elementsproject/regtestharness/log"
	"github.com/elementsproject/regtestharness/testframework"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type Options struct {
	ConfigFile string `long:"configfile" description:"path to the harness toml config"`
	DataDir    string `long:"datadir" description:"directory the daemon data dirs are created in" required:"true"`
	Liquid     bool   `long:"liquid" description:"also start an elementsd sidechain pegged to bitcoind"`
	NoJournal  bool   `long:"nojournal" description:"do not record harness actions to <datadir>/journal.db"`
	Debug      bool   `long:"debug" description:"mirror daemon output to the log"`
}

type endpoint struct {
	Name       string `json:"name"`
	RpcURL     string `json:"rpc_url"`
	RpcUser    string `json:"rpc_user"`
	ConfigFile string `json:"config_file"`
	Wallet     string `json:"wallet"`
	BurnAddr   string `json:"burn_address"`
}

func main() {
	err := run()
	if err != nil {
		core_log.Fatal(err)
	}
}

func run() error {
	var opts Options
	_, err := flags.Parse(&opts)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	logger, err := newLogger(opts.Debug)
	if err != nil {
		return err
	}
	log.SetLogger(logger)

	cfg := testframework.DefaultConfig()
	if opts.ConfigFile != "" {
		cfg, err = testframework.LoadConfig(opts.ConfigFile)
		if err != nil {
			return err
		}
	}
	log.Debugf("using config %s", cfg)

	err = os.MkdirAll(opts.DataDir, 0o755)
	if err != nil {
		return err
	}

	nodeOpts := []testframework.NodeOption{}
	if opts.Debug {
		nodeOpts = append(nodeOpts, testframework.WithLogger(logger))
	}
	if !opts.NoJournal {
		j, err := journal.Open(filepath.Join(opts.DataDir, "journal.db"))
		if err != nil {
			return err
		}
		defer j.Close()
		nodeOpts = append(nodeOpts, testframework.WithRecorder(j))
	}

	ids := &testframework.IntIdGetter{}
	var nodes []*testframework.ChainNode
	defer func() {
		// Sidechain first, it talks to bitcoind.
		for i := len(nodes) - 1; i >= 0; i-- {
			err := nodes[i].Stop()
			if err != nil {
				log.Warnf("stopping %s: %v", nodes[i].Prefix(), err)
			}
		}
	}()

	bitcoind, err := testframework.NewBitcoinNode(opts.DataDir, cfg, ids.NextId(), nodeOpts...)
	if err != nil {
		return err
	}
	nodes = append(nodes, bitcoind)
	err = bitcoind.Start()
	if err != nil {
		return err
	}

	if opts.Liquid {
		liquidd, err := testframework.NewLiquidNode(opts.DataDir, cfg, bitcoind, ids.NextId(), nodeOpts...)
		if err != nil {
			return err
		}
		nodes = append(nodes, liquidd)
		err = liquidd.Start()
		if err != nil {
			return err
		}
	}

	var endpoints []endpoint
	for _, n := range nodes {
		endpoints = append(endpoints, endpoint{
			Name:       n.Prefix(),
			RpcURL:     fmt.Sprintf("http://%s:%d", n.RpcHost, n.RpcPort),
			RpcUser:    n.RpcUser,
			ConfigFile: n.ConfigFile,
			Wallet:     n.WalletName,
			BurnAddr:   n.Config().BurnAddress,
		})
	}
	out, err := json.MarshalIndent(endpoints, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	log.Infof("received signal: %v, shutting down", sig)
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
