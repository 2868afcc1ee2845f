package peer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/elementsproject/glightning/jrpc2"
	"github.com/elementsproject/regtestharness/log"
	"github.com/elementsproject/regtestharness/testframework"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSwap_UnmarshalJSON(t *testing.T) {
	tests := map[string]struct {
		raw  string
		want Swap
	}{
		"state machine dump": {
			raw: `{"Id":"a1","Current":"State_SwapCanceled","Data":{"Id":"a1","CancelMessage":"peer not allowed","Amount":500000}}`,
			want: Swap{Id: "a1", State: "State_SwapCanceled", CancelMessage: "peer not allowed", Amount: 500000},
		},
		"pretty print": {
			raw: `{"id":"b2","asset":"l-btc","type":"swap in","role":"sender","state":"State_ClaimedPreimage","amount":100,"short_channel_id":"103x1x0"}`,
			want: Swap{Id: "b2", Asset: "l-btc", Type: "swap in", Role: "sender", State: "State_ClaimedPreimage", Amount: 100, ShortChannelId: "103x1x0"},
		},
		"lowercase data": {
			raw:  `{"id":"c3","State":"State_SwapCanceled","data":{"cancel_message":"fee too high"}}`,
			want: Swap{Id: "c3", State: "State_SwapCanceled", CancelMessage: "fee too high"},
		},
		"top level cancel": {
			raw:  `{"id":"d4","state":"State_SwapCanceled","cancel_message":"timeout"}`,
			want: Swap{Id: "d4", State: "State_SwapCanceled", CancelMessage: "timeout"},
		},
		"data wins over top level cancel": {
			raw:  `{"id":"e5","CancelMessage":"outer","data":{"cancel_message":"inner"}}`,
			want: Swap{Id: "e5", CancelMessage: "inner"},
		},
		"null data": {
			raw:  `{"Id":"f6","Current":"State_SwapInSender_Init","Data":null}`,
			want: Swap{Id: "f6", State: "State_SwapInSender_Init"},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var s Swap
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &s))
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestSwap_UnmarshalJSONErrors(t *testing.T) {
	for _, raw := range []string{
		`[]`,
		`{"id": 5}`,
		`{"data": "nope"}`,
		`{"amount": "lots"}`,
	} {
		var s Swap
		assert.Error(t, json.Unmarshal([]byte(raw), &s), raw)
	}
}

func TestAsset_Validate(t *testing.T) {
	assert.NoError(t, BTC.Validate())
	assert.NoError(t, LBTC.Validate())
	assert.Error(t, Asset("lbtc").Validate())
}

type stubClient struct {
	balances []btcutil.Amount
	swaps    [][]*Swap
	err      error
	calls    int
}

func (c *stubClient) next() int {
	i := c.calls
	c.calls++
	return i
}

func (c *stubClient) GetBalance(Asset) (btcutil.Amount, error) {
	if c.err != nil {
		return 0, c.err
	}
	i := c.next()
	if i >= len(c.balances) {
		i = len(c.balances) - 1
	}
	return c.balances[i], nil
}

func (c *stubClient) ListSwaps() ([]*Swap, error) {
	if c.err != nil {
		return nil, c.err
	}
	i := c.next()
	if i >= len(c.swaps) {
		i = len(c.swaps) - 1
	}
	return c.swaps[i], nil
}

func (c *stubClient) GetAddress(Asset) (string, error) { return "", nil }
func (c *stubClient) SendToAddress(Asset, string, btcutil.Amount) (string, error) {
	return "", nil
}
func (c *stubClient) SwapIn(string, btcutil.Amount, Asset) (*Swap, error)  { return nil, nil }
func (c *stubClient) SwapOut(string, btcutil.Amount, Asset) (*Swap, error) { return nil, nil }

func fastPoller() *testframework.Poller {
	return &testframework.Poller{Timeout: time.Second, Interval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestHasCurrentState(t *testing.T) {
	c := &stubClient{swaps: [][]*Swap{
		nil,
		{{Id: "other", State: "State_ClaimedPreimage"}},
		{{Id: "a1", State: "State_SwapInSender_Init"}},
		{{Id: "a1", State: "State_ClaimedPreimage"}},
	}}

	require.NoError(t, fastPoller().WaitForWithErr(HasCurrentState(c, "a1", "State_ClaimedPreimage")))
	assert.Equal(t, 4, c.calls)
}

func TestHasCancelMessage(t *testing.T) {
	c := &stubClient{swaps: [][]*Swap{
		{{Id: "a1", State: "State_SwapCanceled", CancelMessage: "peer not allowed"}},
	}}
	ok, err := HasCancelMessage(c, "a1", "peer not allowed")()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = HasCancelMessage(c, "missing", "peer not allowed")()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBalancePredicates(t *testing.T) {
	c := &stubClient{balances: []btcutil.Amount{100, 100, 90}}
	require.NoError(t, fastPoller().WaitForWithErr(BalanceChanged(c, LBTC, 100)))
	assert.Equal(t, 3, c.calls)

	ok, err := HasBalance(c, LBTC, 90)()
	require.NoError(t, err)
	assert.True(t, ok)

	c.err = errors.New("socket closed")
	err = fastPoller().WaitForWithErr(HasBalance(c, BTC, 1))
	assert.ErrorIs(t, err, c.err)
	_, err = HasCurrentState(c, "a1", "x")()
	assert.ErrorIs(t, err, c.err)
}

type fakeLightning struct {
	requests map[string]any
	replies  map[string]string
	err      error
}

func (f *fakeLightning) Request(m jrpc2.Method, resp interface{}) error {
	if f.requests == nil {
		f.requests = map[string]any{}
	}
	f.requests[m.Name()] = m
	if f.err != nil {
		return f.err
	}
	reply, ok := f.replies[m.Name()]
	if !ok {
		return errors.New("unknown method " + m.Name())
	}
	return json.Unmarshal([]byte(reply), resp)
}

func TestCLightningClient_Balances(t *testing.T) {
	f := &fakeLightning{replies: map[string]string{
		"listfunds": `{"outputs":[{"amount_msat":2000000,"status":"confirmed"},` +
			`{"amount_msat":5000,"status":"unconfirmed"},{"amount_msat":1500999,"status":"confirmed"}]}`,
		"peerswap-liquid-getbalance": `{"liquid_balance_sat":1000000000}`,
	}}
	c := &CLightningClient{rpc: f}

	btc, err := c.GetBalance(BTC)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(3500), btc)

	lbtc, err := c.GetBalance(LBTC)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(1000000000), lbtc)

	_, err = c.GetBalance("doge")
	assert.Error(t, err)
}

func TestCLightningClient_Addresses(t *testing.T) {
	f := &fakeLightning{replies: map[string]string{
		"newaddr":                    `{"bech32":"bcrt1qnode"}`,
		"peerswap-liquid-getaddress": `{"liquid_address":"el1qqnode"}`,
	}}
	c := &CLightningClient{rpc: f}

	addr, err := c.GetAddress(BTC)
	require.NoError(t, err)
	assert.Equal(t, "bcrt1qnode", addr)
	assert.Equal(t, "bech32", f.requests["newaddr"].(*newAddrRequest).AddressType)

	addr, err = c.GetAddress(LBTC)
	require.NoError(t, err)
	assert.Equal(t, "el1qqnode", addr)
}

func TestCLightningClient_SendToAddress(t *testing.T) {
	f := &fakeLightning{replies: map[string]string{
		"withdraw":                      `{"txid":"aa01","tx":"0200"}`,
		"peerswap-liquid-sendtoaddress": `{"txid":"bb02"}`,
	}}
	c := &CLightningClient{rpc: f}

	txid, err := c.SendToAddress(BTC, "bcrt1qdest", 10000)
	require.NoError(t, err)
	assert.Equal(t, "aa01", txid)
	assert.Equal(t, uint64(10000), f.requests["withdraw"].(*withdrawRequest).Satoshi)

	txid, err = c.SendToAddress(LBTC, "el1qqdest", 20000)
	require.NoError(t, err)
	assert.Equal(t, "bb02", txid)

	_, err = c.SendToAddress(LBTC, "el1qqdest", 0)
	assert.Error(t, err)
}

func TestCLightningClient_Swaps(t *testing.T) {
	f := &fakeLightning{replies: map[string]string{
		"peerswap-swap-in":   `{"id":"a1","state":"State_SwapInSender_Init","amount":500000}`,
		"peerswap-swap-out":  `{"id":"b2","state":"State_SwapOutSender_Init","amount":600000}`,
		"peerswap-listswaps": `[{"Id":"a1","Current":"State_ClaimedPreimage","Data":{}},{"id":"b2","state":"State_SwapCanceled","data":{"cancel_message":"no liquidity"}}]`,
	}}
	c := &CLightningClient{rpc: f}

	s, err := c.SwapIn("103x1x0", 500000, LBTC)
	require.NoError(t, err)
	assert.Equal(t, "a1", s.Id)
	req := f.requests["peerswap-swap-in"].(*swapRequest)
	assert.Equal(t, uint64(500000), req.SatAmt)
	assert.Equal(t, "103x1x0", req.ShortChannelId)
	assert.Equal(t, "l-btc", req.Asset)

	s, err = c.SwapOut("103x1x0", 600000, BTC)
	require.NoError(t, err)
	assert.Equal(t, "b2", s.Id)

	swaps, err := c.ListSwaps()
	require.NoError(t, err)
	require.Len(t, swaps, 2)
	assert.Equal(t, "State_ClaimedPreimage", swaps[0].State)
	assert.Equal(t, "no liquidity", swaps[1].CancelMessage)

	_, err = c.SwapIn("103x1x0", 0, LBTC)
	assert.Error(t, err)
	_, err = c.SwapIn("103x1x0", 1, "lbtc")
	assert.Error(t, err)
}

func TestCLightningClient_LogsToPeerLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log.SetLogger(zap.New(core))
	t.Cleanup(func() { log.SetLogger(nil) })

	f := &fakeLightning{replies: map[string]string{
		"peerswap-swap-out": `{"id":"b2","state":"State_SwapOutSender_Init"}`,
	}}
	c := &CLightningClient{rpc: f}
	_, err := c.SwapOut("103x1x0", 600000, BTC)
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "peer", entries[0].LoggerName)
	assert.Contains(t, entries[0].Message, "peerswap-swap-out")
	assert.Contains(t, entries[0].Message, "b2")
}

func TestCLightningClient_RequestError(t *testing.T) {
	boom := errors.New("broken pipe")
	c := &CLightningClient{rpc: &fakeLightning{err: boom}}

	_, err := c.ListSwaps()
	assert.ErrorIs(t, err, boom)
	_, err = c.GetBalance(BTC)
	assert.ErrorIs(t, err, boom)
}
