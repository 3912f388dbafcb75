// Package settlement talks to the Bitcoin node on behalf of the keyset lifecycle:
// it resolves the reward of a block found by the pool and notifies about new
// blocks so deferred payouts can be retried.
package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockReward is what the pool earned for one block.
type BlockReward struct {
	BlockHash chainhash.Hash
	Height    int32
	// Amount is the sum of all coinbase outputs.
	Amount btcutil.Amount
	// Fees is Amount minus the block subsidy at Height.
	Fees btcutil.Amount
}

// BlockRewardQuerier resolves block rewards. The keyset manager depends on this
// interface, never on a concrete node client.
type BlockRewardQuerier interface {
	QueryBlockReward(ctx context.Context, blockHash chainhash.Hash) (*BlockReward, error)
}

// ComputeReward sums the coinbase outputs of block and splits off the subsidy.
func ComputeReward(block *wire.MsgBlock, height int32, params *chaincfg.Params) (*BlockReward, error) {
	if block == nil || len(block.Transactions) == 0 {
		return nil, fmt.Errorf("block has no transactions")
	}
	coinbase := block.Transactions[0]
	if !blockchain.IsCoinBaseTx(coinbase) {
		return nil, fmt.Errorf("first transaction is not a coinbase")
	}

	var total int64
	for _, out := range coinbase.TxOut {
		total += out.Value
	}

	subsidy := blockchain.CalcBlockSubsidy(height, params)
	fees := total - subsidy
	if fees < 0 {
		// Miners may claim less than the subsidy.
		fees = 0
	}

	return &BlockReward{
		BlockHash: block.BlockHash(),
		Height:    height,
		Amount:    btcutil.Amount(total),
		Fees:      btcutil.Amount(fees),
	}, nil
}

// NetParams maps a network name to its chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}
