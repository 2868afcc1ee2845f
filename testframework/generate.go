package testframework

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MempoolCondition gates block generation on the mempool content.
type MempoolCondition interface {
	fmt.Stringer
	satisfiedBy(mempool []string) bool
	validate() error
}

type atLeast int

// AtLeast waits for at least n transactions in the mempool. n <= 0 means no
// condition.
func AtLeast(n int) MempoolCondition {
	if n <= 0 {
		return nil
	}
	return atLeast(n)
}

func (a atLeast) String() string {
	return fmt.Sprintf("at least %d transactions in mempool", int(a))
}

func (a atLeast) satisfiedBy(mempool []string) bool {
	return len(mempool) >= int(a)
}

func (a atLeast) validate() error {
	return nil
}

type containsTx []string

// ContainsTx waits until every txid is in the mempool. Txids are matched
// case-insensitively, getrawmempool reports them in lowercase.
func ContainsTx(txids ...string) MempoolCondition {
	if len(txids) == 0 {
		return nil
	}
	c := make(containsTx, len(txids))
	for i, txid := range txids {
		c[i] = strings.ToLower(txid)
	}
	return c
}

func (c containsTx) String() string {
	return fmt.Sprintf("transactions %s in mempool", strings.Join(c, ", "))
}

func (c containsTx) satisfiedBy(mempool []string) bool {
	in := make(map[string]struct{}, len(mempool))
	for _, txid := range mempool {
		in[txid] = struct{}{}
	}
	for _, txid := range c {
		if _, ok := in[txid]; !ok {
			return false
		}
	}
	return true
}

func (c containsTx) validate() error {
	for _, txid := range c {
		_, err := chainhash.NewHashFromStr(txid)
		if err != nil || len(txid) != 2*chainhash.HashSize {
			return fmt.Errorf("invalid txid %q", txid)
		}
	}
	return nil
}

// BlockGenerator mines blocks.
type BlockGenerator interface {
	GenerateBlocks(b int) error
}

// Generate mines blocks to the burn address once cond holds and returns the
// new block hashes. A nil cond mines right away without looking at the
// mempool.
func (n *ChainNode) Generate(blocks int, cond MempoolCondition) ([]string, error) {
	if blocks < 0 {
		return nil, fmt.Errorf("can not generate %d blocks", blocks)
	}

	if cond != nil {
		err := cond.validate()
		if err != nil {
			return nil, err
		}
		err = n.harness.Poller().WithTimeout(n.harness.Timeout.Std()).Poll(cond.String(), func() (bool, error) {
			mempool, err := n.RawMempool()
			if err != nil {
				return false, err
			}
			return cond.satisfiedBy(mempool), nil
		})
		if err != nil {
			return nil, err
		}
	}

	if blocks == 0 {
		return nil, nil
	}
	return n.GenerateToAddress(blocks, n.cfg.BurnAddress)
}

func (n *ChainNode) GenerateBlocks(b int) error {
	_, err := n.Generate(b, nil)
	return err
}

// WithGenerate wraps f so that every evaluation that is still false mines
// blocks. Useful for conditions that only progress with new blocks.
func WithGenerate(g BlockGenerator, blocks int, f WaitFuncWithErr) WaitFuncWithErr {
	return func() (bool, error) {
		ok, err := f()
		if err != nil || ok {
			return ok, err
		}
		err = g.GenerateBlocks(blocks)
		if err != nil {
			return false, fmt.Errorf("GenerateBlocks() %w", err)
		}
		return false, nil
	}
}
