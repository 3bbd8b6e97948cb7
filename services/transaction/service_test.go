package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"gigpay-core/pkg/config"
	"gigpay-core/services/ledger"
	"gigpay-core/services/testutil"
	"gigpay-core/services/worker"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type settlerMock struct {
	calls int
	fn    func(ctx context.Context, tx *gorm.DB, txn *Transaction) error
}

func (m *settlerMock) Settle(ctx context.Context, tx *gorm.DB, txn *Transaction) error {
	m.calls++
	if m.fn != nil {
		return m.fn(ctx, tx, txn)
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *ledger.Store) {
	t.Helper()

	db := testutil.NewTestDB(t, &worker.Worker{}, &Transaction{}, &ledger.AuditLog{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Chain.TreasuryWallet = "0x00000000000000000000000000000000000000aa"

	svc := NewService(Params{
		Store:  store,
		Node:   node,
		Config: cfg,
	})
	return svc, store
}

func seedWorker(t *testing.T, store *ledger.Store) *worker.Worker {
	t.Helper()
	w := &worker.Worker{
		ID:              "w-1",
		Wallet:          "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
		Status:          worker.StatusActive,
		ReputationScore: 100,
	}
	require.NoError(t, store.DB().Create(w).Error)
	return w
}

func createIntent(t *testing.T, svc *Service, store *ledger.Store, w *worker.Worker, key string) *Transaction {
	t.Helper()
	var txn *Transaction
	err := store.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		var err error
		txn, _, err = svc.CreateIntent(context.Background(), tx, IntentParams{
			IdempotencyKey: key,
			Type:           TypePayout,
			WorkerID:       w.ID,
			PlatformID:     "p-1",
			AmountUsdc:     40_000_000,
			FromWallet:     "0x00000000000000000000000000000000000000aa",
			ToWallet:       w.Wallet,
		})
		return err
	})
	require.NoError(t, err)
	return txn
}

func TestCreateIntentIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	w := seedWorker(t, store)
	ctx := context.Background()

	var first, second *Transaction
	var createdFirst, createdSecond bool

	err := store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		first, createdFirst, err = svc.CreateIntent(ctx, tx, IntentParams{
			IdempotencyKey: "task-1:payout",
			Type:           TypePayout,
			WorkerID:       w.ID,
			PlatformID:     "p-1",
			AmountUsdc:     40_000_000,
			ToWallet:       w.Wallet,
		})
		require.NoError(t, err)

		second, createdSecond, err = svc.CreateIntent(ctx, tx, IntentParams{
			IdempotencyKey: "task-1:payout",
			Type:           TypePayout,
			WorkerID:       w.ID,
			PlatformID:     "p-1",
			AmountUsdc:     40_000_000,
			ToWallet:       w.Wallet,
		})
		return err
	})
	require.NoError(t, err)

	require.True(t, createdFirst)
	require.False(t, createdSecond)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, store.DB().Model(&Transaction{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	svc, store := newTestService(t)
	w := seedWorker(t, store)

	err := store.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		_, _, err := svc.CreateIntent(context.Background(), tx, IntentParams{
			IdempotencyKey: "task-1:payout",
			Type:           TypePayout,
			WorkerID:       w.ID,
			AmountUsdc:     0,
		})
		return err
	})
	require.Error(t, err)
}

func TestConfirmSettlesExactlyOnce(t *testing.T) {
	svc, store := newTestService(t)
	w := seedWorker(t, store)
	ctx := context.Background()

	mock := &settlerMock{}
	svc.SetSettler(mock)

	txn := createIntent(t, svc, store, w, "task-1:payout")
	require.NoError(t, svc.MarkSubmitted(ctx, txn.ID, "0xhash1"))

	require.NoError(t, svc.Confirm(ctx, txn.ID, 2))
	require.NoError(t, svc.Confirm(ctx, txn.ID, 2))

	require.Equal(t, 1, mock.calls)

	got, err := svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, got.Status)
	require.EqualValues(t, 2, got.Confirmations)
	require.NotNil(t, got.ConfirmedAt)

	var audits int64
	require.NoError(t, store.DB().Model(&ledger.AuditLog{}).
		Where("action = ?", "transaction.confirmed").Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func TestConfirmRejectsPendingTransaction(t *testing.T) {
	svc, store := newTestService(t)
	w := seedWorker(t, store)

	txn := createIntent(t, svc, store, w, "task-1:payout")
	err := svc.Confirm(context.Background(), txn.ID, 1)
	require.Error(t, err)

	got, getErr := svc.Get(context.Background(), txn.ID)
	require.NoError(t, getErr)
	require.Equal(t, StatusPending, got.Status)
}

func TestMarkFailedRetriesThenTerminal(t *testing.T) {
	svc, store := newTestService(t)
	w := seedWorker(t, store)
	ctx := context.Background()

	txn := createIntent(t, svc, store, w, "task-1:payout")

	require.NoError(t, svc.MarkFailed(ctx, txn.ID, "rpc unreachable"))
	got, err := svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)

	require.NoError(t, svc.MarkFailed(ctx, txn.ID, "rpc unreachable"))
	got, err = svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 2, got.RetryCount)

	require.NoError(t, svc.MarkFailed(ctx, txn.ID, "rpc unreachable"))
	got, err = svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 3, got.RetryCount)
	require.Equal(t, "rpc unreachable", got.FailureReason)

	// Terminal failed rows never retry again; the row stays on the ledger.
	var audits int64
	require.NoError(t, store.DB().Model(&ledger.AuditLog{}).
		Where("action = ?", "transaction.failed.terminal").Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func TestBackoffDoublesWithCap(t *testing.T) {
	svc, _ := newTestService(t)

	require.Equal(t, 2*time.Second, svc.Backoff(1))
	require.Equal(t, 4*time.Second, svc.Backoff(2))
	require.Equal(t, 8*time.Second, svc.Backoff(3))
	require.Equal(t, 60*time.Second, svc.Backoff(6))
	require.Equal(t, 60*time.Second, svc.Backoff(20))
}

func TestCancelOnlyBeforeBroadcast(t *testing.T) {
	svc, store := newTestService(t)
	w := seedWorker(t, store)
	ctx := context.Background()

	pending := createIntent(t, svc, store, w, "task-1:payout")
	require.NoError(t, svc.Cancel(ctx, pending.ID, "ops"))
	got, err := svc.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	broadcast := createIntent(t, svc, store, w, "task-2:payout")
	require.NoError(t, svc.MarkSubmitted(ctx, broadcast.ID, "0xhash2"))
	require.Error(t, svc.Cancel(ctx, broadcast.ID, "ops"))
}

func TestTransitionTable(t *testing.T) {
	require.True(t, canTransition(StatusPending, StatusSubmitted))
	require.True(t, canTransition(StatusPending, StatusFailed))
	require.True(t, canTransition(StatusSubmitted, StatusConfirmed))
	require.True(t, canTransition(StatusFailed, StatusPending))

	require.False(t, canTransition(StatusConfirmed, StatusFailed))
	require.False(t, canTransition(StatusConfirmed, StatusPending))
	require.False(t, canTransition(StatusCancelled, StatusPending))
	require.False(t, canTransition(StatusPending, StatusConfirmed))

	require.True(t, StatusConfirmed.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	require.False(t, StatusFailed.IsTerminal())
}
