package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe512961708279df95b4a2200cd1c0d2"

func newTestSubmitter(t *testing.T, endpoint string) *RPCSubmitter {
	t.Helper()
	submitter, err := NewRPCSubmitter(SubmitterConfig{
		Endpoint:    endpoint,
		Contract:    "SP000.energy-reward",
		ChainID:     "energy-main",
		MaxRewardIn: 250,
		SignerKey:   testKeyHex,
	})
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	return submitter
}

func TestSubmitBurnSignsAndBroadcasts(t *testing.T) {
	var captured signedBurn
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		if req.Method != "energy_sendBurn" {
			t.Errorf("unexpected method %q", req.Method)
		}
		raw, _ := json.Marshal(req.Params[0])
		if err := json.Unmarshal(raw, &captured); err != nil {
			t.Errorf("decode signed burn: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]string{"txHash": "0xabc123"}})
	}))
	defer server.Close()

	submitter := newTestSubmitter(t, server.URL)
	receipt, err := submitter.SubmitBurn(context.Background(), BurnRequest{Subject: "acct-1", Amount: 500})
	require.NoError(t, err)
	require.Equal(t, "0xabc123", receipt.TxHash)
	require.Equal(t, float64(500), captured.Envelope.MaxOutbound)
	require.Equal(t, float64(250), captured.Envelope.MaxInbound)
	require.Equal(t, "SP000.energy-reward", captured.Envelope.Contract)
	require.Equal(t, "acct-1", captured.Envelope.Subject)

	// The signature must recover to the advertised signer address.
	payload, err := json.Marshal(captured.Envelope)
	require.NoError(t, err)
	sig, err := hex.DecodeString(strings.TrimPrefix(captured.Signature, "0x"))
	require.NoError(t, err)
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), sig)
	require.NoError(t, err)
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	require.Equal(t, captured.From, recovered)
	require.Equal(t, submitter.From(), recovered)
}

func TestSubmitBurnMapsRPCErrorToInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": -32000, "message": "insufficient balance"}})
	}))
	defer server.Close()

	submitter := newTestSubmitter(t, server.URL)
	_, err := submitter.SubmitBurn(context.Background(), BurnRequest{Subject: "acct-1", Amount: 5})
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Reason != RejectInvalid {
		t.Fatalf("expected invalid rejection, got %v", err)
	}
}

func TestSubmitBurnMapsTransportFailureToNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	submitter := newTestSubmitter(t, server.URL)
	_, err := submitter.SubmitBurn(context.Background(), BurnRequest{Subject: "acct-1", Amount: 5})
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Reason != RejectNetwork {
		t.Fatalf("expected network rejection, got %v", err)
	}
}

func TestSubmitBurnMapsCancellation(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	submitter := newTestSubmitter(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := submitter.SubmitBurn(ctx, BurnRequest{Subject: "acct-1", Amount: 5})
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Reason != RejectCancelled {
		t.Fatalf("expected cancelled rejection, got %v", err)
	}
}

func TestNewRPCSubmitterValidatesConfig(t *testing.T) {
	if _, err := NewRPCSubmitter(SubmitterConfig{Contract: "c", SignerKey: testKeyHex}); err == nil {
		t.Fatalf("missing endpoint must fail")
	}
	if _, err := NewRPCSubmitter(SubmitterConfig{Endpoint: "http://x", SignerKey: testKeyHex}); err == nil {
		t.Fatalf("missing contract must fail")
	}
	if _, err := NewRPCSubmitter(SubmitterConfig{Endpoint: "http://x", Contract: "c", SignerKey: "zz"}); err == nil {
		t.Fatalf("bad key must fail")
	}
}
