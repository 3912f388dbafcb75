package tokenengine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"

	"github.com/bardlex/ehash/internal/model"
	"github.com/bardlex/ehash/pkg/errors"
)

// Compile-time interface check
var _ Engine = (*LocalEngine)(nil)

// LocalEngine is an in-process Engine. Each keyset is a single Schnorr key that
// signs proof secrets; locking is P2PK with a BIP-340 witness from the miner key.
type LocalEngine struct {
	mu      sync.Mutex
	keysets map[string]*btcec.PrivateKey
	pending map[string][]model.Proof
	spent   map[[32]byte]struct{}
	now     func() time.Time
}

// NewLocalEngine creates an empty engine.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{
		keysets: make(map[string]*btcec.PrivateKey),
		pending: make(map[string][]model.Proof),
		spent:   make(map[[32]byte]struct{}),
		now:     time.Now,
	}
}

// KeysetIDFromPubKey derives the short keyset identifier from the keyset public key.
func KeysetIDFromPubKey(pub *btcec.PublicKey) string {
	sum := sha256.Sum256(pub.SerializeCompressed())
	return "00" + hex.EncodeToString(sum[:])[:14]
}

// GenerateKeyset creates a new keyset key.
func (e *LocalEngine) GenerateKeyset(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTokenEngine, "generate_keyset", "context done")
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTokenEngine, "generate_keyset", "failed to generate key")
	}
	id := KeysetIDFromPubKey(priv.PubKey())

	e.mu.Lock()
	e.keysets[id] = priv
	e.mu.Unlock()

	return id, nil
}

// IssueQuote mints one proof per power-of-two denomination of quote.Amount.
func (e *LocalEngine) IssueQuote(ctx context.Context, quote *model.MintQuote) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTokenEngine, "issue_quote", "context done")
	}
	if _, err := btcec.ParsePubKey(quote.LockingPubkey[:]); err != nil {
		return errors.Wrap(ErrInvalidPubkey, errors.ErrorTypeValidation, "issue_quote", err.Error()).
			WithContext("quote_id", quote.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.keysets[quote.KeysetID]
	if !ok {
		return errors.Wrap(ErrUnknownKeyset, errors.ErrorTypeInvariant, "issue_quote", "keyset not found").
			WithContext("keyset_id", quote.KeysetID)
	}
	if _, dup := e.pending[quote.ID]; dup {
		return errors.New(errors.ErrorTypeDuplicate, "issue_quote", "quote already issued").
			WithContext("quote_id", quote.ID)
	}

	proofs := make([]model.Proof, 0, bits.OnesCount64(quote.Amount))
	for _, denom := range Denominations(quote.Amount) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTokenEngine, "issue_quote", "failed to read entropy")
		}
		sig, err := schnorr.Sign(key, proofDigest(quote.KeysetID, denom, secret, quote.LockingPubkey))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTokenEngine, "issue_quote", "failed to sign proof")
		}
		proofs = append(proofs, model.Proof{
			KeysetID:      quote.KeysetID,
			Amount:        denom,
			Secret:        secret,
			Signature:     sig.Serialize(),
			LockingPubkey: quote.LockingPubkey,
		})
	}
	e.pending[quote.ID] = proofs

	return nil
}

// ClaimProofs returns and forgets the proofs minted for quoteID.
func (e *LocalEngine) ClaimProofs(_ context.Context, quoteID string) ([]model.Proof, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	proofs, ok := e.pending[quoteID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownQuote, errors.ErrorTypeValidation, "claim_proofs", "no proofs for quote").
			WithContext("quote_id", quoteID)
	}
	delete(e.pending, quoteID)
	return proofs, nil
}

// VerifyAuthorization verifies a BIP-340 signature by pubkey over sha256(message).
func (e *LocalEngine) VerifyAuthorization(_ context.Context, pubkey model.PubKey, message, signature []byte) error {
	pub, err := btcec.ParsePubKey(pubkey[:])
	if err != nil {
		return errors.Wrap(ErrInvalidPubkey, errors.ErrorTypeValidation, "verify_authorization", err.Error())
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return errors.Wrap(ErrBadSignature, errors.ErrorTypeValidation, "verify_authorization", err.Error())
	}
	digest := sha256.Sum256(message)
	if !sig.Verify(digest[:], pub) {
		return errors.Wrap(ErrBadSignature, errors.ErrorTypeValidation, "verify_authorization", "signature does not match key")
	}
	return nil
}

// Redeem checks every proof was signed by its keyset for its locking key and is
// unspent, then burns them.
func (e *LocalEngine) Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTokenEngine, "redeem", "context done")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.keysets[req.KeysetID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownKeyset, errors.ErrorTypeInvariant, "redeem", "keyset not found").
			WithContext("keyset_id", req.KeysetID)
	}

	var burned uint64
	ids := make([][32]byte, 0, len(req.Proofs))
	seen := make(map[[32]byte]struct{}, len(req.Proofs))
	for i, p := range req.Proofs {
		if p.KeysetID != req.KeysetID {
			return nil, errors.New(errors.ErrorTypeValidation, "redeem", "proof from another keyset").
				WithContext("index", i)
		}
		// The keyset signature covers the lock, so a proof can not be re-locked to another key.
		sig, err := schnorr.ParseSignature(p.Signature)
		if err != nil || !sig.Verify(proofDigest(p.KeysetID, p.Amount, p.Secret, p.LockingPubkey), key.PubKey()) {
			return nil, errors.Wrap(ErrBadSignature, errors.ErrorTypeValidation, "redeem", "proof not signed by keyset for this lock").
				WithContext("index", i)
		}
		id := sha256.Sum256(p.Secret)
		if _, spent := e.spent[id]; spent {
			return nil, errors.Wrap(ErrProofSpent, errors.ErrorTypeDuplicate, "redeem", "double spend").
				WithContext("index", i)
		}
		if _, dup := seen[id]; dup {
			return nil, errors.Wrap(ErrProofSpent, errors.ErrorTypeDuplicate, "redeem", "proof repeated in request").
				WithContext("index", i)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		burned += p.Amount
	}

	for _, id := range ids {
		e.spent[id] = struct{}{}
	}

	return &Redemption{
		ID:        uuid.NewString(),
		Amount:    req.TargetAmount,
		Unit:      req.TargetUnit,
		Burned:    burned,
		CreatedAt: e.now(),
	}, nil
}

// Denominations splits amount into its power-of-two components, smallest first.
func Denominations(amount uint64) []uint64 {
	out := make([]uint64, 0, bits.OnesCount64(amount))
	for amount != 0 {
		low := amount & -amount
		out = append(out, low)
		amount &^= low
	}
	return out
}

func proofDigest(keysetID string, amount uint64, secret []byte, lock model.PubKey) []byte {
	h := sha256.New()
	h.Write([]byte(keysetID))
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	h.Write(amt[:])
	h.Write(secret)
	h.Write(lock[:])
	return h.Sum(nil)
}

// SignAuthorization produces the witness VerifyAuthorization expects. Wallets use
// it to sign discovery requests and proof secrets.
func SignAuthorization(priv *btcec.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig.Serialize(), nil
}
