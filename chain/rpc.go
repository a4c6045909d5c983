package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// SubmitterConfig configures the JSON-RPC burn submitter.
type SubmitterConfig struct {
	// Endpoint is the broadcaster's JSON-RPC URL.
	Endpoint string
	// Contract is the reward contract the burn targets.
	Contract string
	// ChainID scopes signatures to one network.
	ChainID string
	// MaxRewardIn caps what the reward counterparty may transfer back to
	// the subject within this transaction.
	MaxRewardIn float64
	// SignerKey is the hex-encoded secp256k1 private key.
	SignerKey string
	// Client overrides the HTTP client; a 10s-timeout default applies.
	Client *http.Client
}

// RPCSubmitter signs burn envelopes with a secp256k1 key and broadcasts
// them over JSON-RPC. The envelope carries transfer post-conditions
// bounding movement in both directions between the subject and the reward
// contract.
type RPCSubmitter struct {
	cfg    SubmitterConfig
	key    *ecdsa.PrivateKey
	from   string
	client *http.Client
	nonce  atomic.Uint64
	now    func() time.Time
}

// NewRPCSubmitter validates the configuration and loads the signer key.
func NewRPCSubmitter(cfg SubmitterConfig) (*RPCSubmitter, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("chain: endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Contract) == "" {
		return nil, fmt.Errorf("chain: contract must be configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SignerKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: load signer key: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RPCSubmitter{
		cfg:    cfg,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		client: client,
		now:    time.Now,
	}, nil
}

// From reports the signer address.
func (s *RPCSubmitter) From() string { return s.from }

type burnEnvelope struct {
	Subject     string  `json:"subject"`
	Contract    string  `json:"contract"`
	ChainID     string  `json:"chainId"`
	Amount      float64 `json:"amount"`
	MaxOutbound float64 `json:"maxOutbound"`
	MaxInbound  float64 `json:"maxInbound"`
	Nonce       uint64  `json:"nonce"`
	IssuedAt    int64   `json:"issuedAt"`
}

type signedBurn struct {
	Envelope  burnEnvelope `json:"envelope"`
	From      string       `json:"from"`
	Signature string       `json:"signature"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// SubmitBurn signs and broadcasts one burn. Failures come back as
// *Rejection so the caller can distinguish cancellation, refusal and
// transport trouble.
func (s *RPCSubmitter) SubmitBurn(ctx context.Context, req BurnRequest) (Receipt, error) {
	envelope := burnEnvelope{
		Subject:  req.Subject,
		Contract: s.cfg.Contract,
		ChainID:  s.cfg.ChainID,
		Amount:   req.Amount,
		// The subject may lose at most the burn amount and gain at most
		// the configured reward cap.
		MaxOutbound: req.Amount,
		MaxInbound:  s.cfg.MaxRewardIn,
		Nonce:       s.nonce.Add(1),
		IssuedAt:    s.now().Unix(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return Receipt{}, &Rejection{Reason: RejectInvalid, Err: fmt.Errorf("marshal envelope: %w", err)}
	}
	signature, err := crypto.Sign(crypto.Keccak256(payload), s.key)
	if err != nil {
		return Receipt{}, &Rejection{Reason: RejectInvalid, Err: fmt.Errorf("sign envelope: %w", err)}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "energy_sendBurn",
		Params: []any{signedBurn{
			Envelope:  envelope,
			From:      s.from,
			Signature: "0x" + hex.EncodeToString(signature),
		}},
		ID: 1,
	})
	if err != nil {
		return Receipt{}, &Rejection{Reason: RejectInvalid, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &Rejection{Reason: RejectInvalid, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Receipt{}, &Rejection{Reason: RejectCancelled, Err: ctx.Err()}
		}
		return Receipt{}, &Rejection{Reason: RejectNetwork, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Receipt{}, &Rejection{Reason: RejectNetwork, Err: fmt.Errorf("broadcast status %d", resp.StatusCode)}
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Receipt{}, &Rejection{Reason: RejectNetwork, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Error != nil {
		return Receipt{}, &Rejection{
			Reason: RejectInvalid,
			Err:    fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message),
		}
	}
	var receipt Receipt
	if err := json.Unmarshal(decoded.Result, &receipt); err != nil {
		return Receipt{}, &Rejection{Reason: RejectNetwork, Err: fmt.Errorf("decode receipt: %w", err)}
	}
	if receipt.TxHash == "" {
		return Receipt{}, &Rejection{Reason: RejectInvalid, Err: fmt.Errorf("broadcast returned empty tx hash")}
	}
	return receipt, nil
}
