package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/ehash/pkg/circuit"
	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/retry"
)

// Compile-time interface check
var _ BlockRewardQuerier = (*RPCClient)(nil)

// chainSource is the subset of *rpcclient.Client the settlement client uses.
type chainSource interface {
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	Ping() error
	Shutdown()
}

// RPCClient resolves block rewards against Bitcoin Core's JSON-RPC API.
// Every call goes through a circuit breaker and a network retry policy.
type RPCClient struct {
	client         chainSource
	params         *chaincfg.Params
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates a Bitcoin Core RPC client in HTTP POST mode.
//
// Parameters:
//   - host: Bitcoin Core hostname or IP address
//   - port: Bitcoin Core RPC port (typically 8332 for mainnet)
//   - username, password: RPC credentials
//   - params: chain parameters used to compute the block subsidy
//
// Returns:
//   - *RPCClient: Configured client ready for use
//   - error: Any error encountered during client creation
func NewRPCClient(host string, port int, username, password string, params *chaincfg.Params) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSettlement, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	return newRPCClient(client, params), nil
}

func newRPCClient(client chainSource, params *chaincfg.Params) *RPCClient {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		client:         client,
		params:         params,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// QueryBlockReward fetches a block and its height and returns the coinbase total
// and fees.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//   - blockHash: Hash of the block found by the pool (the share fingerprint)
//
// Returns:
//   - *BlockReward: Reward split into total and fees
//   - error: settlement-typed error, retryable when the node was unreachable
func (c *RPCClient) QueryBlockReward(ctx context.Context, blockHash chainhash.Hash) (*BlockReward, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*BlockReward, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*BlockReward, error) {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeSettlement, "query_block_reward", "context done")
			}

			header, err := c.client.GetBlockHeaderVerbose(&blockHash)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeSettlement, "query_block_reward",
					"failed to retrieve block header").
					WithContext("block_hash", blockHash.String())
			}

			block, err := c.client.GetBlock(&blockHash)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeSettlement, "query_block_reward",
					"failed to retrieve block").
					WithContext("block_hash", blockHash.String())
			}

			reward, err := ComputeReward(block, header.Height, c.params)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeValidation, "query_block_reward",
					"block has no usable coinbase").
					WithContext("block_hash", blockHash.String())
			}
			return reward, nil
		})
	})
}

// Ping tests the connection to Bitcoin Core.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//
// Returns:
//   - error: Any connection error
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.Ping(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"Bitcoin Core connectivity check failed")
			}
			return nil
		})
	})
}
