package pow

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrNonMonotonicDifficulty is returned when a sample's accumulated
// difficulty does not exceed the most recent stored sample. Feeding
// the window out of order is a consensus invariant violation; callers
// treat it as fatal, not retryable.
var ErrNonMonotonicDifficulty = errors.New("pow: accumulated difficulty must be strictly increasing")

// solveTimeClampFactor bounds a single solve time to this multiple of
// the target block interval so one anomalous block cannot swing the
// retarget.
const solveTimeClampFactor = 6

// sample is one (timestamp, accumulated difficulty) observation.
type sample struct {
	timestamp   uint64
	accumulated *big.Int
}

// LinearWeightedMovingAverage computes the next required difficulty
// from a bounded window of past block timestamps and accumulated
// difficulties, weighting recent solve times more heavily. Instances
// are single-writer; each candidate chain tip gets its own window
// built from that fork's history.
type LinearWeightedMovingAverage struct {
	blockWindow   int
	targetTime    uint64 // target block interval in seconds
	maxSolveTime  uint64
	minDifficulty Difficulty
	samples       []sample
}

// NewLWMA creates a retarget window. blockWindow is the number of
// intervals considered; targetTime is the target block interval in
// seconds.
func NewLWMA(blockWindow int, targetTime uint64, minDifficulty Difficulty) *LinearWeightedMovingAverage {
	return &LinearWeightedMovingAverage{
		blockWindow:   blockWindow,
		targetTime:    targetTime,
		maxSolveTime:  solveTimeClampFactor * targetTime,
		minDifficulty: minDifficulty,
		samples:       make([]sample, 0, blockWindow+1),
	}
}

// Add appends a (timestamp, accumulated difficulty) sample. A sample
// whose accumulated difficulty is not strictly greater than the most
// recent stored sample is rejected with ErrNonMonotonicDifficulty and
// not enqueued. The oldest sample is evicted once the window holds
// blockWindow+1 entries.
func (w *LinearWeightedMovingAverage) Add(timestamp uint64, accumulated *big.Int) error {
	if n := len(w.samples); n > 0 {
		if accumulated.Cmp(w.samples[n-1].accumulated) <= 0 {
			return fmt.Errorf("%w: %s <= %s",
				ErrNonMonotonicDifficulty, accumulated, w.samples[n-1].accumulated)
		}
	}

	w.samples = append(w.samples, sample{
		timestamp:   timestamp,
		accumulated: new(big.Int).Set(accumulated),
	})

	if len(w.samples) > w.blockWindow+1 {
		w.samples = w.samples[1:]
	}

	return nil
}

// Len returns the number of stored samples.
func (w *LinearWeightedMovingAverage) Len() int {
	return len(w.samples)
}

// Difficulty computes the required difficulty for the next block.
// With fewer than two samples the minimum difficulty is returned.
func (w *LinearWeightedMovingAverage) Difficulty() Difficulty {
	if len(w.samples) <= 1 {
		return w.minDifficulty
	}

	n := len(w.samples) - 1

	// Weighted sum of clamped solve times: the i-th oldest interval
	// gets weight i, so the most recent interval weighs n.
	var weightedTimes uint64
	for i := 1; i <= n; i++ {
		solveTime := clampSolveTime(
			w.samples[i-1].timestamp, w.samples[i].timestamp, w.maxSolveTime)
		weightedTimes += solveTime * uint64(i)
	}

	span := new(big.Int).Sub(w.samples[n].accumulated, w.samples[0].accumulated)
	avgDifficulty := span.Div(span, big.NewInt(int64(n)))

	k := uint64(n) * uint64(n+1) / 2 * w.targetTime

	result := avgDifficulty.Mul(avgDifficulty, new(big.Int).SetUint64(k))
	result.Div(result, new(big.Int).SetUint64(weightedTimes))

	if !result.IsUint64() {
		// A window whose average difficulty overflows 64 bits is not
		// reachable on a chain this node could have validated.
		panic(fmt.Sprintf("pow: required difficulty overflows uint64: %s", result))
	}

	d := Difficulty(result.Uint64())
	if d < w.minDifficulty {
		return w.minDifficulty
	}

	return d
}

// clampSolveTime bounds this-prev to [1, maxSolveTime]. The low clamp
// also covers timestamps that go backwards.
func clampSolveTime(prev, this, maxSolveTime uint64) uint64 {
	if this <= prev {
		return 1
	}

	solveTime := this - prev
	if solveTime > maxSolveTime {
		return maxSolveTime
	}

	return solveTime
}
