package ledger

import (
	"errors"
	"fmt"

	"veilchain/internal/commit"
)

// Validation failure kinds. Callers use these to decide peer
// penalties; all of them mean the body is rejected.
var (
	// ErrKernelSignature marks a kernel whose excess signature does
	// not verify against its canonical challenge.
	ErrKernelSignature = errors.New("ledger: invalid kernel signature")

	// ErrBalance marks a body whose commitments do not sum to zero.
	ErrBalance = errors.New("ledger: commitment sum does not balance")

	// ErrRangeProof marks an output with an invalid range proof.
	ErrRangeProof = errors.New("ledger: invalid range proof")
)

// ValidateInternalConsistency checks that a body is internally
// balanced and every signature and range proof is valid. Three
// sequential checks, short-circuiting on the first failure:
//
//  1. every kernel's excess signature verifies against that kernel's
//     canonical challenge;
//  2. sum(outputs) - sum(inputs) + commit(fees) equals
//     sum(excesses) + commit(reward, offset), proving no value was
//     created or destroyed;
//  3. every output's range proof verifies under the supplied verifier.
//
// The canonical ordering is established first if any mutation has
// invalidated it.
func ValidateInternalConsistency(
	body *AggregateBody,
	offset commit.Blind,
	reward uint64,
	verifier commit.RangeProofVerifier,
) error {
	if err := body.Sort(); err != nil {
		return err
	}

	if err := validateKernelSignatures(body); err != nil {
		return err
	}

	if err := validateBalance(body, offset, reward); err != nil {
		return err
	}

	return validateRangeProofs(body, verifier)
}

// validateKernelSignatures verifies every kernel's excess/signature
// pair. The error names the offending kernel.
func validateKernelSignatures(body *AggregateBody) error {
	for i, k := range body.Kernels() {
		if !commit.VerifyExcess(k.Excess, k.Challenge(), k.Signature) {
			return fmt.Errorf("kernel %d (%s): %w", i, k.Excess, ErrKernelSignature)
		}
	}

	return nil
}

// validateBalance checks the blinded-ledger invariant. Both sides are
// accumulated additively so no point negation is needed:
//
//	sum(outputs) + commit(fees) == sum(inputs) + sum(excesses) + commit(reward, offset)
func validateBalance(body *AggregateBody, offset commit.Blind, reward uint64) error {
	lhsParts := make([]commit.Commitment, 0, len(body.Outputs())+1)
	for _, out := range body.Outputs() {
		lhsParts = append(lhsParts, out.Commitment)
	}
	if fees := body.Fees(); fees > 0 {
		lhsParts = append(lhsParts, commit.CommitValue(fees))
	}

	lhs, err := commit.Sum(lhsParts...)
	if err != nil {
		return fmt.Errorf("sum outputs:\n%w", err)
	}

	rhsParts := make([]commit.Commitment, 0, len(body.Inputs())+len(body.Kernels())+1)
	for _, in := range body.Inputs() {
		rhsParts = append(rhsParts, in.Commitment)
	}
	for _, k := range body.Kernels() {
		rhsParts = append(rhsParts, k.Excess)
	}
	if reward > 0 || !offset.IsZero() {
		rhsParts = append(rhsParts, commit.Commit(reward, offset))
	}

	rhs, err := commit.Sum(rhsParts...)
	if err != nil {
		return fmt.Errorf("sum inputs and excesses:\n%w", err)
	}

	if lhs != rhs {
		return ErrBalance
	}

	return nil
}

// validateRangeProofs verifies every output's range proof. The error
// names the offending output.
func validateRangeProofs(body *AggregateBody, verifier commit.RangeProofVerifier) error {
	for i, out := range body.Outputs() {
		if err := verifier.Verify(out.RangeProof, out.Commitment); err != nil {
			return fmt.Errorf("output %d (%s): %w: %v", i, out.Commitment, ErrRangeProof, err)
		}
	}

	return nil
}
