package peer

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/elementsproject/glightning/glightning"
	"github.com/elementsproject/glightning/jrpc2"
	"github.com/elementsproject/regtestharness/log"
)

type lightningRpc interface {
	Request(m jrpc2.Method, resp interface{}) error
}

// CLightningClient reaches the swap plugin and the wallet of a core
// lightning node over its rpc socket.
type CLightningClient struct {
	rpc lightningRpc
}

func NewCLightningClient(socketFile, lightningDir string, timeout time.Duration) (*CLightningClient, error) {
	lcli := glightning.NewLightning()
	lcli.SetTimeout(uint(timeout.Seconds()))

	err := lcli.StartUp(socketFile, lightningDir)
	if err != nil {
		return nil, fmt.Errorf("StartUp() %w", err)
	}
	return &CLightningClient{rpc: lcli}, nil
}

type listFundsRequest struct{}

func (r *listFundsRequest) Name() string {
	return "listfunds"
}

type listFundsResponse struct {
	Outputs []struct {
		AmountMsat uint64 `json:"amount_msat"`
		Status     string `json:"status"`
	} `json:"outputs"`
}

type newAddrRequest struct {
	AddressType string `json:"addresstype"`
}

func (r *newAddrRequest) Name() string {
	return "newaddr"
}

type newAddrResponse struct {
	Bech32 string `json:"bech32"`
}

type withdrawRequest struct {
	Destination string `json:"destination"`
	Satoshi     uint64 `json:"satoshi"`
}

func (r *withdrawRequest) Name() string {
	return "withdraw"
}

type liquidGetBalance struct{}

func (r *liquidGetBalance) Name() string {
	return "peerswap-liquid-getbalance"
}

type liquidGetBalanceResponse struct {
	LiquidBalance uint64 `json:"liquid_balance_sat"`
}

type liquidGetAddress struct{}

func (r *liquidGetAddress) Name() string {
	return "peerswap-liquid-getaddress"
}

type liquidGetAddressResponse struct {
	LiquidAddress string `json:"liquid_address"`
}

type liquidSendToAddress struct {
	Address   string `json:"address"`
	AmountSat uint64 `json:"amount_sat"`
}

func (r *liquidSendToAddress) Name() string {
	return "peerswap-liquid-sendtoaddress"
}

type txidResponse struct {
	TxId string `json:"txid"`
}

type swapRequest struct {
	SatAmt         uint64 `json:"amt"`
	ShortChannelId string `json:"short_channel_id"`
	Asset          string `json:"asset"`

	method string
}

func (r *swapRequest) Name() string {
	return r.method
}

type listSwaps struct{}

func (r *listSwaps) Name() string {
	return "peerswap-listswaps"
}

func (c *CLightningClient) GetBalance(asset Asset) (btcutil.Amount, error) {
	switch asset {
	case BTC:
		var funds listFundsResponse
		err := c.rpc.Request(&listFundsRequest{}, &funds)
		if err != nil {
			return 0, fmt.Errorf("Request(listfunds) %w", err)
		}
		var msat uint64
		for _, o := range funds.Outputs {
			if o.Status == "confirmed" {
				msat += o.AmountMsat
			}
		}
		return btcutil.Amount(msat / 1000), nil
	case LBTC:
		var res liquidGetBalanceResponse
		err := c.rpc.Request(&liquidGetBalance{}, &res)
		if err != nil {
			return 0, fmt.Errorf("Request(peerswap-liquid-getbalance) %w", err)
		}
		return btcutil.Amount(res.LiquidBalance), nil
	}
	return 0, asset.Validate()
}

func (c *CLightningClient) GetAddress(asset Asset) (string, error) {
	switch asset {
	case BTC:
		var res newAddrResponse
		err := c.rpc.Request(&newAddrRequest{AddressType: "bech32"}, &res)
		if err != nil {
			return "", fmt.Errorf("Request(newaddr) %w", err)
		}
		return res.Bech32, nil
	case LBTC:
		var res liquidGetAddressResponse
		err := c.rpc.Request(&liquidGetAddress{}, &res)
		if err != nil {
			return "", fmt.Errorf("Request(peerswap-liquid-getaddress) %w", err)
		}
		return res.LiquidAddress, nil
	}
	return "", asset.Validate()
}

func (c *CLightningClient) SendToAddress(asset Asset, address string, amount btcutil.Amount) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("amount must be positive, got %v", amount)
	}

	var res txidResponse
	var err error
	switch asset {
	case BTC:
		err = c.rpc.Request(&withdrawRequest{Destination: address, Satoshi: uint64(amount)}, &res)
	case LBTC:
		err = c.rpc.Request(&liquidSendToAddress{Address: address, AmountSat: uint64(amount)}, &res)
	default:
		return "", asset.Validate()
	}
	if err != nil {
		return "", fmt.Errorf("send %v to %s: %w", amount, address, err)
	}
	log.Named("peer").Debugf("sent %v %s to %s in %s", amount, asset, address, res.TxId)
	return res.TxId, nil
}

func (c *CLightningClient) SwapIn(scid string, amount btcutil.Amount, asset Asset) (*Swap, error) {
	return c.swap("peerswap-swap-in", scid, amount, asset)
}

func (c *CLightningClient) SwapOut(scid string, amount btcutil.Amount, asset Asset) (*Swap, error) {
	return c.swap("peerswap-swap-out", scid, amount, asset)
}

func (c *CLightningClient) swap(method, scid string, amount btcutil.Amount, asset Asset) (*Swap, error) {
	err := asset.Validate()
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", amount)
	}

	var s Swap
	err = c.rpc.Request(&swapRequest{
		SatAmt:         uint64(amount),
		ShortChannelId: scid,
		Asset:          string(asset),
		method:         method,
	}, &s)
	if err != nil {
		return nil, fmt.Errorf("Request(%s) %w", method, err)
	}
	log.Named("peer").Infof("%s %s on %s started: %s", method, amount, scid, s.Id)
	return &s, nil
}

func (c *CLightningClient) ListSwaps() ([]*Swap, error) {
	var swaps []*Swap
	err := c.rpc.Request(&listSwaps{}, &swaps)
	if err != nil {
		return nil, fmt.Errorf("Request(peerswap-listswaps) %w", err)
	}
	return swaps, nil
}
