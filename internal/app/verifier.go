package app

import (
	"context"
	"strings"
)

// SimulatedVerifier accepts any non-empty transaction reference. It is selected with
// CHAIN_VERIFIER_MODE=simulated for local development and staging.
type SimulatedVerifier struct{}

func (SimulatedVerifier) VerifyTransaction(ctx context.Context, transactionReference string) (bool, error) {
	return strings.TrimSpace(transactionReference) != "", nil
}
