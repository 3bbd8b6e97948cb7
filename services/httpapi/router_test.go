package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigpay-core/pkg/config"
	"gigpay-core/services/ledger"
	"gigpay-core/services/loan"
	"gigpay-core/services/platform"
	"gigpay-core/services/reputation"
	"gigpay-core/services/stream"
	"gigpay-core/services/task"
	"gigpay-core/services/testutil"
	"gigpay-core/services/transaction"
	"gigpay-core/services/worker"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	db := testutil.NewTestDB(t,
		&worker.Worker{},
		&platform.Platform{},
		&task.Task{},
		&transaction.Transaction{},
		&stream.Stream{},
		&loan.Loan{},
		&reputation.Event{},
		&ledger.AuditLog{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Chain.TreasuryWallet = "0x00000000000000000000000000000000000000aa"

	workers := worker.NewService(worker.ServiceParams{DB: db, Node: node})
	platforms := platform.NewService(platform.ServiceParams{DB: db, Node: node})
	txnSvc := transaction.NewService(transaction.Params{Store: store, Node: node, Config: cfg})
	repSvc := reputation.NewService(reputation.Params{Store: store, Node: node, Config: cfg})
	loanSvc := loan.NewService(loan.Params{
		Store: store, Node: node, Txn: txnSvc, Reputation: repSvc, Config: cfg,
	})
	streamSvc := stream.NewService(stream.Params{Store: store, Node: node, Txn: txnSvc, Loans: loanSvc, Config: cfg})
	taskSvc := task.NewService(task.Params{
		Store: store, Node: node, Txn: txnSvc, Streams: streamSvc,
		Loans: loanSvc, Reputation: repSvc, Config: cfg,
	})
	txnSvc.SetSettler(taskSvc)

	h := NewHandler(Params{
		Store:      store,
		Workers:    workers,
		Platforms:  platforms,
		Tasks:      taskSvc,
		Txns:       txnSvc,
		Streams:    streamSvc,
		Loans:      loanSvc,
		Reputation: repSvc,
		Config:     cfg,
	})
	return NewRouter(h, cfg)
}

func do(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerPlatform(t *testing.T, router http.Handler) (platformID, apiKey string) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/v1/platforms",
		map[string]string{"name": "acme", "webhook_url": "https://acme.example/hooks"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Platform platform.Platform `json:"platform"`
		APIKey   string            `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.APIKey)
	return resp.Platform.ID, resp.APIKey
}

func authHeaders(platformID, apiKey string) map[string]string {
	return map[string]string{
		"X-Platform-Id": platformID,
		"Authorization": "Bearer " + apiKey,
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/v1/workers",
		map[string]string{"wallet": "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodPost, "/v1/workers",
		map[string]string{"wallet": "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"},
		map[string]string{"X-Platform-Id": "p-1", "Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterAndCompleteTaskFlow(t *testing.T) {
	router := newTestRouter(t)
	platformID, apiKey := registerPlatform(t, router)
	headers := authHeaders(platformID, apiKey)

	rec := do(t, router, http.MethodPost, "/v1/workers",
		map[string]string{"wallet": "0xABCDEFabcdefabcdefabcdefabcdefabcdefABCD"}, headers)
	require.Equal(t, http.StatusCreated, rec.Code)

	var w worker.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	require.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", w.Wallet)

	rec = do(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"worker_id":           w.ID,
		"type":                "fixed",
		"title":               "deliver groceries",
		"payment_amount_usdc": 40_000_000,
	}, headers)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/complete",
		map[string]any{"rating": 5.0}, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	// Redelivery of the same completion is a no-op, not an error.
	rec = do(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/complete",
		map[string]any{"rating": 5.0}, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/workers/"+w.ID+"/balance", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	var balance struct {
		PendingUsdc     int64 `json:"pending_usdc"`
		TotalEarnedUsdc int64 `json:"total_earned_usdc"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	require.EqualValues(t, 40_000_000, balance.PendingUsdc)
	require.EqualValues(t, 0, balance.TotalEarnedUsdc)
}

func TestErrorEnvelopeShape(t *testing.T) {
	router := newTestRouter(t)
	platformID, apiKey := registerPlatform(t, router)
	headers := authHeaders(platformID, apiKey)

	rec := do(t, router, http.MethodGet, "/v1/workers/missing/balance", nil, headers)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "not_found", envelope.Error.Code)
	require.NotEmpty(t, envelope.Error.Message)
}

func TestTenantIsolation(t *testing.T) {
	router := newTestRouter(t)
	p1, key1 := registerPlatform(t, router)
	p2, key2 := registerPlatform(t, router)

	rec := do(t, router, http.MethodPost, "/v1/workers",
		map[string]string{"wallet": "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"},
		authHeaders(p1, key1))
	require.Equal(t, http.StatusCreated, rec.Code)
	var w worker.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))

	rec = do(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"worker_id":           w.ID,
		"type":                "fixed",
		"payment_amount_usdc": 40_000_000,
	}, authHeaders(p1, key1))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Another platform cannot complete a task it does not own.
	rec = do(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/complete",
		map[string]any{}, authHeaders(p2, key2))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignAndDisputeRoutes(t *testing.T) {
	router := newTestRouter(t)
	platformID, apiKey := registerPlatform(t, router)
	headers := authHeaders(platformID, apiKey)

	rec := do(t, router, http.MethodPost, "/v1/workers",
		map[string]string{"wallet": "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"}, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
	var w worker.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))

	// Tasks can be opened before a worker is chosen.
	rec = do(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"type":                "fixed",
		"payment_amount_usdc": 40_000_000,
	}, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, task.StatusCreated, created.Status)

	rec = do(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/assign",
		map[string]string{"worker_id": w.ID}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var assigned task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assigned))
	require.Equal(t, task.StatusAssigned, assigned.Status)

	rec = do(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/dispute",
		map[string]string{"reason": "work not delivered"}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var disputed task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disputed))
	require.Equal(t, task.StatusDisputed, disputed.Status)

	// Completion is refused while the dispute is open.
	rec = do(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/complete",
		map[string]any{}, headers)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/dispute/resolve",
		map[string]any{"in_worker_favor": true, "reason": "delivered after all"}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	require.Equal(t, task.StatusAssigned, resolved.Status)
}
