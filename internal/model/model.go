// Package model holds the persisted records of the eHash mint and wallet.
package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultUnit is the unit eHash quotes are denominated in.
const DefaultUnit = "HASH"

// PubKey is a 33-byte compressed secp256k1 public key.
type PubKey [33]byte

// String returns the hex encoding of the key.
func (p PubKey) String() string {
	return hex.EncodeToString(p[:])
}

// ParsePubKeyHex decodes a hex string into a PubKey without validating the curve point.
func ParsePubKeyHex(s string) (PubKey, error) {
	var pk PubKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(b) != len(pk) {
		return pk, fmt.Errorf("invalid pubkey length %d", len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// QuoteState is the lifecycle state of a mint quote.
type QuoteState string

const (
	// QuoteStatePaid is set at creation: the share already paid for the quote.
	QuoteStatePaid QuoteState = "PAID"
	// QuoteStateIssued is set once proofs were minted against the quote.
	QuoteStateIssued QuoteState = "ISSUED"
)

// MintQuote is a claim check authorizing issuance of Amount to LockingPubkey.
type MintQuote struct {
	ID             string     `json:"id"`
	State          QuoteState `json:"state"`
	Amount         uint64     `json:"amount"`
	Unit           string     `json:"unit"`
	LockingPubkey  PubKey     `json:"locking_pubkey"`
	AuditReference [32]byte   `json:"audit_reference"`
	KeysetID       string     `json:"keyset_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

// KeysetState is a state of the keyset lifecycle.
type KeysetState string

const (
	KeysetActive      KeysetState = "ACTIVE"
	KeysetQuantifying KeysetState = "QUANTIFYING"
	KeysetPayout      KeysetState = "PAYOUT"
	KeysetExpired     KeysetState = "EXPIRED"
)

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to KeysetState) bool {
	switch from {
	case KeysetActive:
		return to == KeysetQuantifying
	case KeysetQuantifying:
		return to == KeysetPayout
	case KeysetPayout:
		return to == KeysetExpired
	default:
		return false
	}
}

// KeysetRecord is one versioned signing keyset and its payout bookkeeping.
type KeysetRecord struct {
	ID        string      `json:"id"`
	State     KeysetState `json:"state"`
	Unit      string      `json:"unit"`
	CreatedAt time.Time   `json:"created_at"`

	// ConversionRate is nil until quantification completes and never changes afterwards.
	ConversionRate *decimal.Decimal `json:"conversion_rate,omitempty"`
	PayoutAmount   uint64           `json:"payout_amount"`
	// Outstanding is the amount issued under this keyset that was not yet swapped.
	Outstanding    uint64     `json:"outstanding"`
	PayoutDeadline *time.Time `json:"payout_deadline,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`

	// PayoutSource and PayoutReference identify the trigger that retired the keyset.
	PayoutSource    string `json:"payout_source,omitempty"`
	PayoutReference string `json:"payout_reference,omitempty"`
}

// Payout sources recorded on retired keysets.
const (
	PayoutSourceBlock    = "block"
	PayoutSourceExternal = "external"
)

// Clone returns a copy safe to hand to readers.
func (k *KeysetRecord) Clone() *KeysetRecord {
	c := *k
	if k.ConversionRate != nil {
		r := *k.ConversionRate
		c.ConversionRate = &r
	}
	if k.PayoutDeadline != nil {
		d := *k.PayoutDeadline
		c.PayoutDeadline = &d
	}
	if k.ExpiredAt != nil {
		e := *k.ExpiredAt
		c.ExpiredAt = &e
	}
	return &c
}

// PerPubkeyBalance is the accumulated eHash credited to one locking key.
type PerPubkeyBalance struct {
	Pubkey     string    `json:"pubkey"`
	Amount     uint64    `json:"amount"`
	LastUpdate time.Time `json:"last_update"`
}

// ChannelStats aggregates accepted shares per mining channel.
type ChannelStats struct {
	ChannelID    uint32    `json:"channel_id"`
	ShareCount   uint64    `json:"share_count"`
	TotalTokens  uint64    `json:"total_tokens"`
	LastActivity time.Time `json:"last_activity"`
}

// Proof is a P2PK-locked token. The coordinators pass proofs through to the
// token engine and never inspect the signature material themselves.
type Proof struct {
	KeysetID      string `json:"keyset_id"`
	Amount        uint64 `json:"amount"`
	Secret        []byte `json:"secret"`
	Signature     []byte `json:"signature"`
	LockingPubkey PubKey `json:"locking_pubkey"`
	// Witness is a signature by the locking key over the proof secret.
	Witness []byte `json:"witness"`
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")
