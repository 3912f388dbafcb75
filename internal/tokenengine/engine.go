// Package tokenengine defines the cryptographic capability the mint coordinator
// depends on and provides a local adapter backed by secp256k1 Schnorr keys.
//
// The coordinators only ever talk to the Engine interface; they never see key
// material or the concrete signature scheme.
package tokenengine

import (
	"context"
	"errors"
	"time"

	"github.com/bardlex/ehash/internal/model"
)

var (
	// ErrInvalidPubkey is returned when a locking key does not parse as a curve point.
	ErrInvalidPubkey = errors.New("invalid locking pubkey")
	// ErrUnknownKeyset is returned for operations against a keyset the engine never generated.
	ErrUnknownKeyset = errors.New("unknown keyset")
	// ErrBadSignature is returned when a signature or witness does not verify.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrProofSpent is returned when a proof is redeemed twice.
	ErrProofSpent = errors.New("proof already spent")
	// ErrUnknownQuote is returned when proofs are requested for a quote the engine never issued.
	ErrUnknownQuote = errors.New("unknown quote")
)

// Engine is the capability set the coordinators consume.
type Engine interface {
	// GenerateKeyset creates a fresh signing keyset and returns its identifier.
	GenerateKeyset(ctx context.Context, unit string) (string, error)
	// IssueQuote mints P2PK-locked proofs for quote and keeps them for later claim.
	IssueQuote(ctx context.Context, quote *model.MintQuote) error
	// VerifyAuthorization checks a Schnorr signature by pubkey over message.
	VerifyAuthorization(ctx context.Context, pubkey model.PubKey, message, signature []byte) error
	// Redeem burns proofs and creates the settlement output for the target amount.
	Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error)
	// ClaimProofs hands out the proofs minted for a quote exactly once.
	ClaimProofs(ctx context.Context, quoteID string) ([]model.Proof, error)
}

// RedeemRequest asks the engine to burn Proofs and pay out TargetAmount in TargetUnit.
type RedeemRequest struct {
	KeysetID     string
	Proofs       []model.Proof
	TargetAmount uint64
	TargetUnit   string
}

// Redemption is the settlement output created by a successful Redeem.
type Redemption struct {
	ID        string
	Amount    uint64
	Unit      string
	Burned    uint64
	CreatedAt time.Time
}
