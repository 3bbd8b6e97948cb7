package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"gigpay-core/pkg/config"
	"gigpay-core/pkg/errutil"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Chain.RPCAddr = srv.URL
	cfg.Chain.SubmitterKey = "sk-test"
	return NewClient(ClientParams{Config: cfg})
}

func rpcResult(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"result": json.RawMessage(raw),
	}))
}

func TestSubmitTransfer(t *testing.T) {
	var gotMethod string
	var gotAuth string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMethod = req.Method
		require.Len(t, req.Params, 4)

		rpcResult(t, w, map[string]string{"txHash": "0xdeadbeef"})
	})

	hash, err := client.SubmitTransfer(context.Background(),
		"0xaaaa", "0xbbbb", 40_000_000, "task-1:payout")
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", hash)
	require.Equal(t, "submitTransfer", gotMethod)
	require.Equal(t, "Bearer sk-test", gotAuth)
}

func TestSubmitTransferEmptyHashIsRetriable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, map[string]string{})
	})

	_, err := client.SubmitTransfer(context.Background(), "0xa", "0xb", 1, "k")
	require.Error(t, err)
	require.True(t, errutil.IsRetriable(err))
}

func TestServerErrorIsRetriable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetConfirmations(context.Background(), "0xhash")
	require.Error(t, err)
	require.True(t, errutil.IsRetriable(err))
}

func TestRPCErrorIsNotRetriable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": -32000, "message": "insufficient treasury balance"},
		}))
	})

	_, err := client.SubmitTransfer(context.Background(), "0xa", "0xb", 1, "k")
	require.Error(t, err)
	require.False(t, errutil.IsRetriable(err))
	require.Contains(t, err.Error(), "insufficient treasury balance")
}

func TestUnreachableNodeIsRetriable(t *testing.T) {
	cfg := &config.Config{}
	cfg.Chain.RPCAddr = "http://127.0.0.1:1"
	client := NewClient(ClientParams{Config: cfg})

	_, err := client.GetConfirmations(context.Background(), "0xhash")
	require.Error(t, err)
	require.True(t, errutil.IsRetriable(err))
}

func TestGetConfirmations(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, 12)
	})

	count, err := client.GetConfirmations(context.Background(), "0xhash")
	require.NoError(t, err)
	require.EqualValues(t, 12, count)
}

func TestGetStreamState(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, map[string]int64{"released": 90_000_000, "claimed": 60_000_000})
	})

	state, err := client.GetStreamState(context.Background(), "0xcontract", "stream-1")
	require.NoError(t, err)
	require.EqualValues(t, 90_000_000, state.ReleasedUsdc)
	require.EqualValues(t, 60_000_000, state.ClaimedUsdc)
}
