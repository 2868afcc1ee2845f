package main

import (
	"encoding/json"
	"fmt"
	log2 "log"
	"os"
	"time"

	"github.com/elementsproject/regtestharness/testframework"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "regtestctl"
	app.Usage = "drive a running regtest daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:     "conf",
			Usage:    "path to the daemon config file (bitcoin.conf, elements.conf)",
			Required: true,
		},
		cli.BoolFlag{
			Name:  "liquid",
			Usage: "the daemon is an elements sidechain",
		},
		cli.StringFlag{
			Name:  "wallet",
			Usage: "wallet to call wallet rpcs on, defaults to the harness wallet",
		},
		cli.StringFlag{
			Name:  "burn_address",
			Usage: "address blocks are mined to, defaults to the chain's burn address",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
			Usage: "how long to wait for mempool conditions and log lines",
		},
	}
	app.Commands = []cli.Command{
		blockCountCommand, mempoolCommand, generateCommand, reorgCommand,
	}
	err := app.Run(os.Args)
	if err != nil {
		log2.Fatal(err)
	}
}

var (
	blocksFlag = cli.IntFlag{
		Name:  "blocks",
		Value: 1,
		Usage: "number of blocks to mine",
	}
	minTxsFlag = cli.IntFlag{
		Name:  "min_txs",
		Usage: "wait until the mempool holds at least this many transactions",
	}
	txidFlag = cli.StringSliceFlag{
		Name:  "txid",
		Usage: "wait until this transaction is in the mempool, repeatable",
	}
	heightFlag = cli.IntFlag{
		Name:     "height",
		Usage:    "height of the first block to replace",
		Required: true,
	}
	shiftFlag = cli.IntFlag{
		Name:  "shift",
		Usage: "blocks the replaced transactions confirm later",
	}

	blockCountCommand = cli.Command{
		Name:   "blockcount",
		Usage:  "print the current block height",
		Action: blockCount,
	}
	mempoolCommand = cli.Command{
		Name:   "mempool",
		Usage:  "print the txids in the mempool",
		Action: mempool,
	}
	generateCommand = cli.Command{
		Name:  "generate",
		Usage: "mine blocks to the burn address, optionally once the mempool is ready",
		Flags: []cli.Flag{
			blocksFlag,
			minTxsFlag,
			txidFlag,
		},
		Action: generate,
	}
	reorgCommand = cli.Command{
		Name:  "reorg",
		Usage: "replace the chain from height on with a longer one",
		Flags: []cli.Flag{
			heightFlag,
			shiftFlag,
		},
		Action: reorg,
	}
)

func blockCount(ctx *cli.Context) error {
	node, cleanup, err := getNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	count, err := node.BlockCount()
	if err != nil {
		return err
	}
	fmt.Println(count)
	return nil
}

func mempool(ctx *cli.Context) error {
	node, cleanup, err := getNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	txids, err := node.RawMempool()
	if err != nil {
		return err
	}
	return printJSON(txids)
}

func generate(ctx *cli.Context) error {
	txids := ctx.StringSlice(txidFlag.Name)
	minTxs := ctx.Int(minTxsFlag.Name)
	if len(txids) > 0 && minTxs > 0 {
		return fmt.Errorf("--%s and --%s are exclusive", txidFlag.Name, minTxsFlag.Name)
	}

	node, cleanup, err := getNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	cond := testframework.AtLeast(minTxs)
	if len(txids) > 0 {
		cond = testframework.ContainsTx(txids...)
	}
	hashes, err := node.Generate(ctx.Int(blocksFlag.Name), cond)
	if err != nil {
		return err
	}
	return printJSON(hashes)
}

func reorg(ctx *cli.Context) error {
	node, cleanup, err := getNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	hashes, err := node.Reorg(testframework.ReorgPlan{
		ForkHeight: ctx.Int(heightFlag.Name),
		Shift:      ctx.Int(shiftFlag.Name),
	})
	if err != nil {
		return err
	}
	return printJSON(hashes)
}

func getNode(ctx *cli.Context) (*testframework.ChainNode, func(), error) {
	harness := testframework.DefaultConfig()
	harness.Timeout = testframework.Duration(ctx.GlobalDuration("timeout"))

	chain := harness.Bitcoin
	if ctx.GlobalBool("liquid") {
		chain = harness.Liquid
	}
	if w := ctx.GlobalString("wallet"); w != "" {
		chain.WalletName = w
	}
	if addr := ctx.GlobalString("burn_address"); addr != "" {
		err := testframework.ValidateBurnAddress(addr, chain.Sidechain)
		if err != nil {
			return nil, nil, err
		}
		chain.BurnAddress = addr
	}

	node, err := testframework.AttachChainNode(ctx.GlobalString("conf"), chain, harness)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { node.Stop() }
	return node, cleanup, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
