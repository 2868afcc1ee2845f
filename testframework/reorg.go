package testframework

import (
	"errors"
	"fmt"
)

var ErrInvalidReorgPlan = errors.New("invalid reorg plan")

// ReorgPlan describes a fork. The block at ForkHeight and all its
// descendants are replaced. With Shift > 0 the transactions of the replaced
// blocks confirm Shift blocks later than before.
type ReorgPlan struct {
	ForkHeight int
	Shift      int
}

// FinalLength is the height of the new tip. The new chain is always longer
// than the old one so the node switches to it.
func (p ReorgPlan) FinalLength(length int) int {
	if p.ForkHeight+p.Shift > length {
		return p.ForkHeight + p.Shift
	}
	return length + 1
}

func (p ReorgPlan) Validate(length int) error {
	switch {
	case p.Shift < 0:
		return fmt.Errorf("%w: negative shift %d", ErrInvalidReorgPlan, p.Shift)
	case p.ForkHeight < 1:
		return fmt.Errorf("%w: fork height %d below 1", ErrInvalidReorgPlan, p.ForkHeight)
	case p.ForkHeight > length:
		return fmt.Errorf("%w: fork height %d above tip %d", ErrInvalidReorgPlan, p.ForkHeight, length)
	}
	return nil
}

// SimpleReorg forks the chain at height. See Reorg.
func (n *ChainNode) SimpleReorg(height, shift int) ([]string, error) {
	return n.Reorg(ReorgPlan{ForkHeight: height, Shift: shift})
}

// Reorg invalidates the block at plan.ForkHeight and mines a longer chain on
// top of its parent. The transactions that drop back into the mempool are
// held back for plan.Shift blocks. Both the invalidation and the new tip are
// confirmed from the daemon log; a missing log line is an error.
func (n *ChainNode) Reorg(plan ReorgPlan) ([]string, error) {
	length, err := n.BlockCount()
	if err != nil {
		return nil, err
	}
	err = plan.Validate(length)
	if err != nil {
		return nil, err
	}

	hash, err := n.BlockHash(plan.ForkHeight)
	if err != nil {
		return nil, err
	}

	err = n.InvalidateBlock(hash)
	if err != nil {
		return nil, err
	}

	timeout := n.harness.Timeout.Std()
	err = n.WaitForLog(fmt.Sprintf(`InvalidChainFound: invalid block=.*  height=%d\b`, plan.ForkHeight), timeout)
	if err != nil {
		return nil, fmt.Errorf("invalidation of block %d not confirmed: %w", plan.ForkHeight, err)
	}

	orphaned, err := n.RawMempool()
	if err != nil {
		return nil, err
	}

	final := plan.FinalLength(length)
	n.logger.Sugar().Infof("reorg at %d with shift %d, tip %d -> %d, %d orphaned txs",
		plan.ForkHeight, plan.Shift, length, final, len(orphaned))
	n.record("reorg", map[string]any{
		"fork_height": plan.ForkHeight,
		"shift":       plan.Shift,
		"length":      length,
		"final":       final,
		"orphaned":    orphaned,
	})

	var hashes []string
	if plan.Shift == 0 {
		hashes, err = n.Generate(1+final-plan.ForkHeight, nil)
		if err != nil {
			return nil, err
		}
	} else {
		delta := n.cfg.FeeDelta
		for _, txid := range orphaned {
			err = n.PrioritiseTransaction(txid, -delta)
			if err != nil {
				return nil, err
			}
		}

		hashes, err = n.Generate(plan.Shift, nil)
		if err != nil {
			return nil, err
		}

		for _, txid := range orphaned {
			err = n.PrioritiseTransaction(txid, delta)
			if err != nil {
				return nil, err
			}
		}

		rest, err := n.Generate(1+final-(plan.ForkHeight+plan.Shift), nil)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, rest...)
	}

	err = n.WaitForLog(fmt.Sprintf(`UpdateTip: new best=.* height=%d\b`, final), timeout)
	if err != nil {
		return nil, fmt.Errorf("new tip %d not confirmed: %w", final, err)
	}
	return hashes, nil
}
