// Package chain handles the EVM side of OCCR: reading wallet holdings and
// publishing scores to the OCCRScorer contract.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidScore      = errors.New("chain: score must be 0..1000 and tier 0..3")
	ErrNoSigner          = errors.New("chain: no signer configured")
	ErrChainMismatch     = errors.New("chain: RPC chain id does not match configuration")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// PublishError wraps a failed step of a score publication.
type PublishError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *PublishError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// EthClient is the subset of ethclient.Client used here.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

var _ EthClient = (*ethclient.Client)(nil)

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (EthClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return client, nil
}

// VerifyChainID checks that client is connected to the expected network.
func VerifyChainID(ctx context.Context, client EthClient, want int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	got, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if got.Int64() != want {
		return fmt.Errorf("%w: got %s, want %d", ErrChainMismatch, got, want)
	}
	return nil
}

// ParseAddress validates a hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// -----------------------------------------------------------------------------
// ABIs
// -----------------------------------------------------------------------------

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

const scorerABI = `[
	{"inputs":[{"name":"user","type":"address"},{"name":"score","type":"uint256"},{"name":"tier","type":"uint8"}],"name":"updateScore","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"user","type":"address"}],"name":"calculateRiskScore","outputs":[{"name":"score","type":"uint256"},{"name":"tier","type":"uint8"},{"name":"lastUpdated","type":"uint256"},{"name":"algorithmId","type":"bytes32"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"user","type":"address"},{"name":"minScore","type":"uint256"}],"name":"validateScore","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse ABI: %v", err))
	}
	return parsed
}

var (
	erc20     = mustParseABI(erc20ABI)
	scorerAPI = mustParseABI(scorerABI)
)
