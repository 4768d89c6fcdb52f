package commit

import (
	blst "github.com/supranational/blst/bindings/go"
)

// SignatureSize is the size of a compressed G2 signature.
const SignatureSize = 96

// sigDST is the domain separation tag for kernel excess signatures.
var sigDST = []byte("VEILCHAIN_KERNEL_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// Signature is a compressed BLS signature over a kernel challenge.
type Signature [SignatureSize]byte

// SignChallenge signs a kernel challenge with the excess blinding
// key. The matching public key is the excess commitment itself, which
// commits to a zero value, so verification needs no key other than
// the data already on the kernel.
func SignChallenge(blind Blind, challenge []byte) Signature {
	sig := new(blst.P2Affine).Sign(blind.scalar(), challenge, sigDST)

	var out Signature
	copy(out[:], sig.Compress())

	return out
}

// VerifyExcess checks a kernel signature against the kernel's excess
// commitment and challenge. It returns false for malformed points as
// well as for honest mismatches.
func VerifyExcess(excess Commitment, challenge []byte, signature Signature) bool {
	sig := new(blst.P2Affine).Uncompress(signature[:])
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(excess[:])
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, challenge, sigDST)
}
