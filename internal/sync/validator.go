package sync

import (
	"fmt"
	"math/big"

	"veilchain/internal/chain"
	"veilchain/internal/pow"
)

// headerValidator checks a stream of headers extending a fork point.
// It is seeded from the local chain at the split height and rolls its
// own retarget and timestamp windows forward as headers validate, so
// targets always come from the fork's own history.
type headerValidator struct {
	lwma        *pow.LinearWeightedMovingAverage
	timestamps  []uint64
	prevHash    [32]byte
	prevHeight  uint64
	accumulated *big.Int
}

// newHeaderValidator seeds a validator from the local chain ending at
// splitHeight.
func newHeaderValidator(store *chain.Store, splitHeight uint64) (*headerValidator, error) {
	window := uint64(chain.DifficultyBlockWindow)
	if uint64(chain.MedianTimestampWindow) > window {
		window = uint64(chain.MedianTimestampWindow)
	}

	start := uint64(0)
	if window <= splitHeight {
		start = splitHeight - window
	}

	headers, err := store.HeadersInRange(start, int(splitHeight-start)+1)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 || headers[len(headers)-1].Height != splitHeight {
		return nil, fmt.Errorf("missing headers up to split height %d", splitHeight)
	}

	v := &headerValidator{lwma: chain.NewLWMA()}

	for _, h := range headers {
		if err := v.lwma.Add(h.Timestamp, h.TotalDifficulty); err != nil {
			return nil, fmt.Errorf("corrupt chain state:\n%w", err)
		}
		v.timestamps = append(v.timestamps, h.Timestamp)
	}

	if len(v.timestamps) > chain.MedianTimestampWindow {
		v.timestamps = v.timestamps[len(v.timestamps)-chain.MedianTimestampWindow:]
	}

	tip := headers[len(headers)-1]
	v.prevHash = tip.Hash()
	v.prevHeight = tip.Height
	v.accumulated = new(big.Int).Set(tip.TotalDifficulty)

	return v, nil
}

// validate checks one header against the rolling fork state and, on
// success, advances the state to include it.
func (v *headerValidator) validate(h *chain.BlockHeader) error {
	if h.Version != chain.HeaderVersion {
		return fmt.Errorf("unsupported header version %d", h.Version)
	}
	if h.PowAlgo != chain.PowAlgoBlake3 {
		return fmt.Errorf("unsupported pow algorithm %d", h.PowAlgo)
	}
	if h.Height != v.prevHeight+1 {
		return fmt.Errorf("header height %d does not follow %d", h.Height, v.prevHeight)
	}
	if h.PrevHash != v.prevHash {
		return fmt.Errorf("header %d does not link to previous block", h.Height)
	}

	if !pow.CheckTimestampGreaterThanMedian(h.Timestamp, v.timestamps) {
		return fmt.Errorf("header %d timestamp %d not greater than median", h.Height, h.Timestamp)
	}

	target := v.lwma.Difficulty()
	if !pow.CheckProofOfWork(h.PowHash(), pow.TargetFromDifficulty(target)) {
		return fmt.Errorf("header %d below required difficulty %d", h.Height, target)
	}

	// Each header contributes the difficulty it was mined against to
	// the running total, never the luck of its winning hash.
	want := new(big.Int).Add(v.accumulated, target.BigInt())
	if h.TotalDifficulty == nil || h.TotalDifficulty.Cmp(want) != 0 {
		return fmt.Errorf("header %d accumulated difficulty mismatch", h.Height)
	}

	if err := v.lwma.Add(h.Timestamp, h.TotalDifficulty); err != nil {
		return err
	}

	v.timestamps = append(v.timestamps, h.Timestamp)
	if len(v.timestamps) > chain.MedianTimestampWindow {
		v.timestamps = v.timestamps[1:]
	}

	v.prevHash = h.Hash()
	v.prevHeight = h.Height
	v.accumulated = want

	return nil
}
