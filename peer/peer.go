// Package peer talks to the swap daemons running next to the chain nodes.
// Scenarios use it to start swaps and to wait for their outcome.
package peer

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/elementsproject/regtestharness/testframework"
)

type Asset string

const (
	BTC  Asset = "btc"
	LBTC Asset = "l-btc"
)

func (a Asset) Validate() error {
	switch a {
	case BTC, LBTC:
		return nil
	}
	return fmt.Errorf("unknown asset %q", string(a))
}

type Client interface {
	GetBalance(asset Asset) (btcutil.Amount, error)
	GetAddress(asset Asset) (string, error)
	SendToAddress(asset Asset, address string, amount btcutil.Amount) (string, error)
	SwapIn(scid string, amount btcutil.Amount, asset Asset) (*Swap, error)
	SwapOut(scid string, amount btcutil.Amount, asset Asset) (*Swap, error)
	ListSwaps() ([]*Swap, error)
}

// Swap is the part of a listed swap the scenarios look at. Daemon versions
// disagree on the casing of the fields, see UnmarshalJSON.
type Swap struct {
	Id             string
	State          string
	Asset          string
	Type           string
	Role           string
	Amount         uint64
	ShortChannelId string
	CancelMessage  string
}

// UnmarshalJSON accepts both the state machine dump (Id, Current, Data) and
// the pretty printed form (id, state, data or top level cancel_message).
func (s *Swap) UnmarshalJSON(b []byte) error {
	var top map[string]json.RawMessage
	err := json.Unmarshal(b, &top)
	if err != nil {
		return fmt.Errorf("swap is not an object: %w", err)
	}

	var data map[string]json.RawMessage
	if raw, ok := lookup(top, "data", "Data"); ok && string(raw) != "null" {
		err = json.Unmarshal(raw, &data)
		if err != nil {
			return fmt.Errorf("swap data is not an object: %w", err)
		}
	}

	*s = Swap{}
	for _, f := range []struct {
		dst  *string
		keys []string
	}{
		{&s.Id, []string{"id", "Id", "swap_id"}},
		{&s.State, []string{"Current", "State", "state", "current"}},
		{&s.Asset, []string{"asset", "Asset"}},
		{&s.Type, []string{"type", "Type"}},
		{&s.Role, []string{"role", "Role"}},
		{&s.ShortChannelId, []string{"short_channel_id", "ShortChannelId", "scid"}},
	} {
		*f.dst, err = stringField(f.keys, top, data)
		if err != nil {
			return err
		}
	}

	s.CancelMessage, err = stringField([]string{"cancel_message", "CancelMessage"}, data, top)
	if err != nil {
		return err
	}

	for _, m := range []map[string]json.RawMessage{top, data} {
		if raw, ok := lookup(m, "amount", "Amount", "amt"); ok {
			err = json.Unmarshal(raw, &s.Amount)
			if err != nil {
				return fmt.Errorf("swap amount: %w", err)
			}
			break
		}
	}
	return nil
}

func lookup(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// stringField returns the first of keys present in any of the maps, in map
// order. Non string values are an error, null is empty.
func stringField(keys []string, maps ...map[string]json.RawMessage) (string, error) {
	for _, m := range maps {
		raw, ok := lookup(m, keys...)
		if !ok || string(raw) == "null" {
			continue
		}
		var v string
		err := json.Unmarshal(raw, &v)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", keys[0], err)
		}
		return v, nil
	}
	return "", nil
}

func findSwap(c Client, swapID string) (*Swap, error) {
	swaps, err := c.ListSwaps()
	if err != nil {
		return nil, fmt.Errorf("ListSwaps() %w", err)
	}
	for _, s := range swaps {
		if s.Id == swapID {
			return s, nil
		}
	}
	return nil, nil
}

// HasCurrentState is true once the swap is listed in state.
func HasCurrentState(c Client, swapID, state string) testframework.WaitFuncWithErr {
	return func() (bool, error) {
		s, err := findSwap(c, swapID)
		if err != nil || s == nil {
			return false, err
		}
		return s.State == state, nil
	}
}

// HasCancelMessage is true once the swap was canceled with msg.
func HasCancelMessage(c Client, swapID, msg string) testframework.WaitFuncWithErr {
	return func() (bool, error) {
		s, err := findSwap(c, swapID)
		if err != nil || s == nil {
			return false, err
		}
		return s.CancelMessage == msg, nil
	}
}

func HasBalance(c Client, asset Asset, want btcutil.Amount) testframework.WaitFuncWithErr {
	return func() (bool, error) {
		balance, err := c.GetBalance(asset)
		if err != nil {
			return false, err
		}
		return balance == want, nil
	}
}

func BalanceChanged(c Client, asset Asset, before btcutil.Amount) testframework.WaitFuncWithErr {
	return func() (bool, error) {
		balance, err := c.GetBalance(asset)
		if err != nil {
			return false, err
		}
		return balance != before, nil
	}
}
