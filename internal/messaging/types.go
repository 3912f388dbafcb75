package messaging

import (
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ehash/internal/events"
	"github.com/bardlex/ehash/internal/model"
	"github.com/bardlex/ehash/pkg/errors"
)

// ShareOutcomeMessage is published by share validation for every accepted share
type ShareOutcomeMessage struct {
	ShareHash      string    `json:"share_hash"` // display (big-endian) hex
	ChannelID      uint32    `json:"channel_id"`
	SequenceNumber uint32    `json:"sequence_number"`
	LockingPubkey  string    `json:"locking_pubkey"`
	BlockFound     bool      `json:"block_found"`
	TemplateID     *uint64   `json:"template_id,omitempty"`
	Coinbase       string    `json:"coinbase,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ShareAckMessage is published when a share acceptance is sent back to the miner
type ShareAckMessage struct {
	ChannelID      uint32    `json:"channel_id"`
	SequenceNumber uint32    `json:"sequence_number"`
	LockingPubkey  string    `json:"locking_pubkey"`
	TokensMinted   uint64    `json:"tokens_minted"`
	Timestamp      time.Time `json:"timestamp"`
}

// ToOutcome decodes the message into a router event
func (m *ShareOutcomeMessage) ToOutcome() (events.ShareOutcome, error) {
	hash, err := chainhash.NewHashFromStr(m.ShareHash)
	if err != nil {
		return events.ShareOutcome{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_share_outcome",
			"invalid share hash").WithContext("share_hash", m.ShareHash)
	}

	pk, err := model.ParsePubKeyHex(m.LockingPubkey)
	if err != nil {
		return events.ShareOutcome{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_share_outcome",
			"invalid locking pubkey").WithContext("channel_id", m.ChannelID)
	}

	var coinbase []byte
	if m.Coinbase != "" {
		coinbase, err = hex.DecodeString(m.Coinbase)
		if err != nil {
			return events.ShareOutcome{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_share_outcome",
				"invalid coinbase hex")
		}
	}

	return events.ShareOutcome{
		ShareHash:      *hash,
		ChannelID:      m.ChannelID,
		SequenceNumber: m.SequenceNumber,
		LockingPubkey:  pk,
		BlockFound:     m.BlockFound,
		TemplateID:     m.TemplateID,
		Coinbase:       coinbase,
		Timestamp:      m.Timestamp,
	}, nil
}

// ToAck decodes the message into a router event
func (m *ShareAckMessage) ToAck() (events.ShareAck, error) {
	pk, err := model.ParsePubKeyHex(m.LockingPubkey)
	if err != nil {
		return events.ShareAck{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_share_ack",
			"invalid locking pubkey").WithContext("channel_id", m.ChannelID)
	}
	return events.ShareAck{
		ChannelID:      m.ChannelID,
		SequenceNumber: m.SequenceNumber,
		LockingPubkey:  pk,
		TokensMinted:   m.TokensMinted,
		Timestamp:      m.Timestamp,
	}, nil
}

// NewShareOutcomeMessage encodes an outcome for the bus
func NewShareOutcomeMessage(o events.ShareOutcome) *ShareOutcomeMessage {
	return &ShareOutcomeMessage{
		ShareHash:      o.ShareHash.String(),
		ChannelID:      o.ChannelID,
		SequenceNumber: o.SequenceNumber,
		LockingPubkey:  o.LockingPubkey.String(),
		BlockFound:     o.BlockFound,
		TemplateID:     o.TemplateID,
		Coinbase:       hex.EncodeToString(o.Coinbase),
		Timestamp:      o.Timestamp,
	}
}
