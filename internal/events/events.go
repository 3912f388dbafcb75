// Package events defines the messages that cross from share validation into the
// eHash coordinators, and the router that hands them over without blocking.
package events

import (
	"encoding/hex"
	"math/bits"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ehash/internal/model"
)

// ShareMintEvent asks the mint to issue a quote for one validated share.
type ShareMintEvent struct {
	Fingerprint    chainhash.Hash
	ChannelID      uint32
	LockingPubkey  model.PubKey
	LeadingZeros   uint32
	SequenceNumber uint32
	Timestamp      time.Time
	BlockFound     bool
	TemplateID     *uint64
	Coinbase       []byte
}

// WalletCorrelationEvent credits an accepted share to a miner identity.
type WalletCorrelationEvent struct {
	ChannelID      uint32
	SequenceNumber uint32
	MinerIdentity  string
	Timestamp      time.Time
	TokensMinted   uint64
}

// ShareOutcome is what the validation source reports for an accepted share.
type ShareOutcome struct {
	// ShareHash is the share header hash in internal byte order.
	ShareHash      chainhash.Hash
	ChannelID      uint32
	SequenceNumber uint32
	LockingPubkey  model.PubKey
	BlockFound     bool
	TemplateID     *uint64
	Coinbase       []byte
	Timestamp      time.Time
}

// ShareAck is the acceptance acknowledgement sent back to a miner.
type ShareAck struct {
	ChannelID      uint32
	SequenceNumber uint32
	LockingPubkey  model.PubKey
	TokensMinted   uint64
	Timestamp      time.Time
}

// LeadingZeroBits counts leading zero bits of a block hash as displayed, i.e.
// starting from the last byte of the internal little-endian representation.
func LeadingZeroBits(h chainhash.Hash) uint32 {
	var n uint32
	for i := len(h) - 1; i >= 0; i-- {
		if h[i] == 0 {
			n += 8
			continue
		}
		n += uint32(bits.LeadingZeros8(h[i]))
		break
	}
	return n
}

// MintEventFromOutcome builds the mint event for an accepted share.
func MintEventFromOutcome(o ShareOutcome) ShareMintEvent {
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return ShareMintEvent{
		Fingerprint:    o.ShareHash,
		ChannelID:      o.ChannelID,
		LockingPubkey:  o.LockingPubkey,
		LeadingZeros:   LeadingZeroBits(o.ShareHash),
		SequenceNumber: o.SequenceNumber,
		Timestamp:      ts,
		BlockFound:     o.BlockFound,
		TemplateID:     o.TemplateID,
		Coinbase:       o.Coinbase,
	}
}

// WalletEventFromAck builds the correlation event for an acknowledged share.
func WalletEventFromAck(a ShareAck) WalletCorrelationEvent {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return WalletCorrelationEvent{
		ChannelID:      a.ChannelID,
		SequenceNumber: a.SequenceNumber,
		MinerIdentity:  hex.EncodeToString(a.LockingPubkey[:]),
		Timestamp:      ts,
		TokensMinted:   a.TokensMinted,
	}
}
