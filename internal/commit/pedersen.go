// Package commit implements Pedersen commitments over BLS12-381 G1
// and the excess signatures that prove knowledge of a commitment's
// blinding key. A commitment to value v with blinding factor b is
// v*H + b*G, where G is the group generator and H is a second
// generator derived by hashing to the curve, so no discrete-log
// relation between the two is known.
package commit

import (
	"crypto/rand"
	"fmt"
	"math/big"

	blst "github.com/supranational/blst/bindings/go"
)

const (
	// CommitmentSize is the size of a compressed G1 commitment.
	CommitmentSize = 48

	// BlindSize is the size of a canonical blinding factor.
	BlindSize = 32
)

// hGeneratorSeed derives H; changing it changes every commitment.
var hGeneratorSeed = []byte("veilchain-pedersen-h-generator")

// hDST is the hash-to-curve domain separation tag for H.
var hDST = []byte("VEILCHAIN_PEDERSEN_BLS12381G1_XMD:SHA-256_SSWU_RO_")

// groupOrder is the order of the BLS12-381 scalar field.
var groupOrder, _ = new(big.Int).SetString(
	"73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)

// hGenerator is the value generator H, computed once.
var hGenerator = blst.HashToG1(hGeneratorSeed, hDST).ToAffine()

// Commitment is a compressed Pedersen commitment.
type Commitment [CommitmentSize]byte

// Blind is a canonical (reduced, big-endian) blinding factor.
type Blind [BlindSize]byte

// Bytes returns the commitment as a byte slice.
func (c Commitment) Bytes() []byte {
	return c[:]
}

// String returns a short hex form for logging.
func (c Commitment) String() string {
	return fmt.Sprintf("%x", c[:8])
}

// IsZero reports whether the blind is the zero scalar.
func (b Blind) IsZero() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}

// NewBlind reduces arbitrary bytes into a canonical blinding factor.
func NewBlind(raw []byte) Blind {
	v := new(big.Int).SetBytes(raw)
	v.Mod(v, groupOrder)

	var b Blind
	v.FillBytes(b[:])

	return b
}

// RandomBlind generates a uniformly random blinding factor.
func RandomBlind() (Blind, error) {
	var raw [64]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return Blind{}, fmt.Errorf("read random blind:\n%w", err)
	}

	return NewBlind(raw[:]), nil
}

// AddBlinds returns a+b mod the group order.
func AddBlinds(a, b Blind) Blind {
	sum := new(big.Int).Add(
		new(big.Int).SetBytes(a[:]),
		new(big.Int).SetBytes(b[:]),
	)
	sum.Mod(sum, groupOrder)

	var out Blind
	sum.FillBytes(out[:])

	return out
}

// SubBlinds returns a-b mod the group order.
func SubBlinds(a, b Blind) Blind {
	diff := new(big.Int).Sub(
		new(big.Int).SetBytes(a[:]),
		new(big.Int).SetBytes(b[:]),
	)
	diff.Mod(diff, groupOrder)

	var out Blind
	diff.FillBytes(out[:])

	return out
}

// scalar converts a canonical blind to a blst scalar.
func (b Blind) scalar() *blst.Scalar {
	s := new(blst.Scalar).Deserialize(b[:])
	if s == nil {
		// A canonical blind is always < group order; Deserialize
		// only fails on malformed input.
		panic("commit: blind does not deserialize")
	}

	return s
}

// Commit computes value*H + blind*G.
func Commit(value uint64, blind Blind) Commitment {
	acc := new(blst.P1) // identity

	if value != 0 {
		valueScalar := NewBlind(new(big.Int).SetUint64(value).Bytes())
		acc = blst.P1AffinesMult(
			[]*blst.P1Affine{hGenerator},
			[]*blst.Scalar{valueScalar.scalar()},
			255,
		)
	}

	if !blind.IsZero() {
		blindPoint := new(blst.P1Affine).From(blind.scalar())
		acc = blst.P1AffinesAdd([]*blst.P1Affine{acc.ToAffine(), blindPoint})
	}

	var c Commitment
	copy(c[:], acc.ToAffine().Compress())

	return c
}

// CommitValue commits to a value with a zero blinding factor.
func CommitValue(value uint64) Commitment {
	return Commit(value, Blind{})
}

// Sum adds a list of commitments homomorphically. An empty list sums
// to the identity commitment.
func Sum(commitments ...Commitment) (Commitment, error) {
	acc := new(blst.P1)

	points := make([]*blst.P1Affine, 0, len(commitments)+1)
	points = append(points, acc.ToAffine())

	for i, c := range commitments {
		p := new(blst.P1Affine).Uncompress(c[:])
		if p == nil || !p.InG1() {
			return Commitment{}, fmt.Errorf("commitment %d is not a valid group element", i)
		}

		points = append(points, p)
	}

	var out Commitment
	copy(out[:], blst.P1AffinesAdd(points).ToAffine().Compress())

	return out, nil
}
