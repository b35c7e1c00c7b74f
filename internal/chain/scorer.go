package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/occr/internal/metrics"
	"github.com/mbd888/occr/internal/traces"
)

const (
	// MaxScore is the top of the on-chain 0..1000 scale.
	MaxScore = 1000
	// MaxTier is the index of tier D.
	MaxTier = 3

	DefaultGasLimit            = uint64(150000)
	DefaultConfirmationTimeout = 60 * time.Second
	ConfirmationPollInterval   = 2 * time.Second
)

// OnchainScore is what calculateRiskScore returns. Expired or missing
// entries read as score 0, tier 3.
type OnchainScore struct {
	Score       int       `json:"score"`
	Tier        uint8     `json:"tier"`
	LastUpdated time.Time `json:"lastUpdated"`
	AlgorithmID string    `json:"algorithmId"`
}

// PublishResult describes an updateScore submission.
type PublishResult struct {
	TxHash  string `json:"txHash,omitempty"`
	Nonce   uint64 `json:"nonce,omitempty"`
	Skipped bool   `json:"skipped"` // contract already held this score and tier
}

// Receipt is a mined transaction.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// ScorerConfig configures a Scorer. PrivateKey may be empty for a read-only
// scorer.
type ScorerConfig struct {
	Contract   string
	PrivateKey string // hex, with or without 0x
	ChainID    int64
}

// Scorer reads and writes the OCCRScorer contract.
type Scorer struct {
	client       EthClient
	contract     common.Address
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	pollInterval time.Duration
}

// NewScorer binds a scorer to client.
func NewScorer(client EthClient, cfg ScorerConfig) (*Scorer, error) {
	contract, err := ParseAddress(cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("scorer contract: %w", err)
	}
	s := &Scorer{
		client:       client,
		contract:     contract,
		chainID:      big.NewInt(cfg.ChainID),
		pollInterval: ConfirmationPollInterval,
	}

	if cfg.PrivateKey != "" {
		key := strings.TrimPrefix(cfg.PrivateKey, "0x")
		if len(key) != 64 {
			return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
		}
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		s.key = pk
		s.from = crypto.PubkeyToAddress(pk.PublicKey)
	}
	return s, nil
}

// CanPublish reports whether a signer is configured.
func (s *Scorer) CanPublish() bool { return s.key != nil }

// Signer returns the oracle address that signs updates, or "" when read-only.
func (s *Scorer) Signer() string {
	if s.key == nil {
		return ""
	}
	return s.from.Hex()
}

// Contract returns the scorer contract address.
func (s *Scorer) Contract() string { return s.contract.Hex() }

// Read calls calculateRiskScore(user).
func (s *Scorer) Read(ctx context.Context, user string) (*OnchainScore, error) {
	addr, err := ParseAddress(user)
	if err != nil {
		return nil, err
	}
	out, err := s.call(ctx, "calculateRiskScore", addr)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("calculateRiskScore: expected 4 values, got %d", len(out))
	}

	score, ok1 := out[0].(*big.Int)
	tier, ok2 := out[1].(uint8)
	last, ok3 := out[2].(*big.Int)
	algo, ok4 := out[3].([32]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("calculateRiskScore: unexpected result types %T %T %T %T", out[0], out[1], out[2], out[3])
	}

	res := &OnchainScore{
		Score:       int(score.Int64()),
		Tier:        tier,
		AlgorithmID: string(bytes.TrimRight(algo[:], "\x00")),
	}
	if last.Sign() > 0 {
		res.LastUpdated = time.Unix(last.Int64(), 0).UTC()
	}
	return res, nil
}

// Validate calls validateScore(user, minScore).
func (s *Scorer) Validate(ctx context.Context, user string, minScore int) (bool, error) {
	addr, err := ParseAddress(user)
	if err != nil {
		return false, err
	}
	minScore = max(0, min(MaxScore, minScore))
	out, err := s.call(ctx, "validateScore", addr, big.NewInt(int64(minScore)))
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("validateScore: expected 1 value, got %d", len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("validateScore: unexpected result type %T", out[0])
	}
	return ok, nil
}

// Publish sends updateScore(user, score, tier). When the contract already
// holds the same pair nothing is sent and the result is marked Skipped.
func (s *Scorer) Publish(ctx context.Context, user string, score int, tier uint8) (*PublishResult, error) {
	if score < 0 || score > MaxScore || tier > MaxTier {
		return nil, fmt.Errorf("%w: score=%d tier=%d", ErrInvalidScore, score, tier)
	}
	if s.key == nil {
		return nil, ErrNoSigner
	}
	addr, err := ParseAddress(user)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "chain.publish_score",
		traces.Wallet(user), traces.Score(score))
	defer span.End()

	current, err := s.Read(ctx, user)
	if err != nil {
		metrics.ChainPublishesTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, &PublishError{Op: "read_current", Err: err}
	}
	if !current.LastUpdated.IsZero() && current.Score == score && current.Tier == tier {
		metrics.ChainPublishesTotal.WithLabelValues("skipped").Inc()
		return &PublishResult{Skipped: true}, nil
	}

	res, err := s.send(ctx, addr, score, tier)
	if err != nil {
		metrics.ChainPublishesTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(traces.TxHash(res.TxHash))
	metrics.ChainPublishesTotal.WithLabelValues("sent").Inc()
	return res, nil
}

func (s *Scorer) send(ctx context.Context, user common.Address, score int, tier uint8) (*PublishResult, error) {
	data, err := scorerAPI.Pack("updateScore", user, big.NewInt(int64(score)), tier)
	if err != nil {
		return nil, &PublishError{Op: "pack", Err: err}
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, &PublishError{Op: "nonce", Err: err}
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &PublishError{Op: "gas_price", Err: err}
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.from,
		To:    &s.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, s.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, &PublishError{Op: "sign", Err: err}
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, &PublishError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return &PublishResult{TxHash: signed.Hash().Hex(), Nonce: nonce}, nil
}

// WaitForReceipt polls until txHash is mined, fails, or timeout passes.
func (s *Scorer) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := s.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &PublishError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			r := &Receipt{TxHash: txHash, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				r.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return r, nil
		}
	}
}

func (s *Scorer) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := scorerAPI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := scorerAPI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}
