// Package pow holds the proof-of-work difficulty types, target
// arithmetic and the linear weighted moving average retarget used to
// keep block times stable.
package pow

import (
	"math/big"
	"sort"
)

// Difficulty is the proof-of-work difficulty of a single block. The
// difficulty accumulated along a chain is tracked separately as a
// big integer because it grows without bound.
type Difficulty uint64

// MinDifficulty is the lowest difficulty the network accepts.
const MinDifficulty Difficulty = 1

// maxTarget is the largest possible proof-of-work target (difficulty 1).
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// BigInt returns the difficulty as a big integer.
func (d Difficulty) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(d))
}

// TargetFromDifficulty converts a difficulty to the hash target a
// block must meet: target = maxTarget / difficulty.
func TargetFromDifficulty(d Difficulty) *big.Int {
	if d < MinDifficulty {
		d = MinDifficulty
	}

	return new(big.Int).Div(maxTarget, d.BigInt())
}

// CheckProofOfWork reports whether the given proof-of-work hash meets
// the target, interpreting the hash as a big-endian integer.
func CheckProofOfWork(powHash [32]byte, target *big.Int) bool {
	value := new(big.Int).SetBytes(powHash[:])
	return value.Cmp(target) <= 0
}

// AchievedDifficulty returns the difficulty actually achieved by a
// proof-of-work hash: maxTarget / hash value, floored at MinDifficulty
// and capped at the maximum representable difficulty.
func AchievedDifficulty(powHash [32]byte) Difficulty {
	value := new(big.Int).SetBytes(powHash[:])
	if value.Sign() == 0 {
		return Difficulty(^uint64(0))
	}

	achieved := new(big.Int).Div(maxTarget, value)
	if !achieved.IsUint64() {
		return Difficulty(^uint64(0))
	}

	d := Difficulty(achieved.Uint64())
	if d < MinDifficulty {
		return MinDifficulty
	}

	return d
}

// MedianTimestamp returns the median of the given timestamps. The
// input is not modified. Panics on an empty slice; callers guard.
func MedianTimestamp(timestamps []uint64) uint64 {
	sorted := make([]uint64, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}

	return sorted[mid]
}

// CheckTimestampGreaterThanMedian reports whether a header timestamp
// is strictly greater than the median of the preceding window. An
// empty window accepts any timestamp.
func CheckTimestampGreaterThanMedian(timestamp uint64, window []uint64) bool {
	if len(window) == 0 {
		return true
	}

	return timestamp > MedianTimestamp(window)
}
