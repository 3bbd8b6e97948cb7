package stream

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
	"gigpay-core/services/transaction"
	"gigpay-core/services/worker"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *ledger.Store) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&worker.Worker{},
		&transaction.Transaction{},
		&Stream{},
		&ledger.AuditLog{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Chain.TreasuryWallet = "0x00000000000000000000000000000000000000aa"

	txnSvc := transaction.NewService(transaction.Params{
		Store:  store,
		Node:   node,
		Config: cfg,
	})

	svc := NewService(Params{
		Store:  store,
		Node:   node,
		Txn:    txnSvc,
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

func seedStream(t *testing.T, store *ledger.Store, total int64, elapsed, duration time.Duration) *Stream {
	t.Helper()
	now := time.Now()
	st := &Stream{
		ID:                     "st-1",
		Code:                   "STR-TEST-1",
		TaskID:                 "task-1",
		WorkerID:               "w-1",
		PlatformID:             "p-1",
		TotalAmountUsdc:        total,
		StartAt:                now.Add(-elapsed),
		EndAt:                  now.Add(-elapsed).Add(duration),
		ReleaseIntervalSeconds: 3600,
		NextReleaseAt:          now,
		Status:                 StatusActive,
	}
	require.NoError(t, store.DB().Create(st).Error)
	return st
}

func TestOpenReleaseCreatesProRataPayout(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store)
	// 120 USDC over 4 hours, 3 hours in: 90 accrued, nothing released yet.
	seedStream(t, store, 120_000_000, 3*time.Hour, 4*time.Hour)

	require.NoError(t, svc.OpenRelease(context.Background(), "st-1"))

	var txns []transaction.Transaction
	require.NoError(t, store.DB().Find(&txns).Error)
	require.Len(t, txns, 1)
	require.Equal(t, transaction.TypePayout, txns[0].Type)
	require.Equal(t, transaction.StatusPending, txns[0].Status)
	require.InDelta(t, 90_000_000, float64(txns[0].AmountUsdc), 20_000) // accrual keeps moving between seed and release

	// releasedAmount only advances on confirmation.
	st, err := svc.Get(context.Background(), "st-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, st.ReleasedAmountUsdc)
	require.True(t, st.NextReleaseAt.After(time.Now()))
}

func TestOpenReleaseSkipsWhileReleaseInFlight(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store)
	seedStream(t, store, 120_000_000, 3*time.Hour, 4*time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.OpenRelease(ctx, "st-1"))
	require.NoError(t, svc.OpenRelease(ctx, "st-1"))

	var count int64
	require.NoError(t, store.DB().Model(&transaction.Transaction{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestOpenReleaseSkipsZeroAccrual(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store)
	// Stream that has not started accruing yet.
	now := time.Now()
	st := &Stream{
		ID:                     "st-future",
		Code:                   "STR-TEST-2",
		TaskID:                 "task-2",
		WorkerID:               "w-1",
		PlatformID:             "p-1",
		TotalAmountUsdc:        50_000_000,
		StartAt:                now.Add(time.Hour),
		EndAt:                  now.Add(5 * time.Hour),
		ReleaseIntervalSeconds: 3600,
		NextReleaseAt:          now,
		Status:                 StatusActive,
	}
	require.NoError(t, store.DB().Create(st).Error)

	require.NoError(t, svc.OpenRelease(context.Background(), "st-future"))

	var count int64
	require.NoError(t, store.DB().Model(&transaction.Transaction{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestApplyConfirmedReleaseAdvancesAndCompletes(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store)
	seedStream(t, store, 100_000_000, 5*time.Hour, 4*time.Hour)
	ctx := context.Background()

	var done bool
	err := store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		done, err = svc.ApplyConfirmedRelease(ctx, tx, "st-1", 60_000_000)
		return err
	})
	require.NoError(t, err)
	require.False(t, done)

	st, err := svc.Get(ctx, "st-1")
	require.NoError(t, err)
	require.EqualValues(t, 60_000_000, st.ReleasedAmountUsdc)
	require.Equal(t, StatusActive, st.Status)

	err = store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		done, err = svc.ApplyConfirmedRelease(ctx, tx, "st-1", 40_000_000)
		return err
	})
	require.NoError(t, err)
	require.True(t, done)

	st, err = svc.Get(ctx, "st-1")
	require.NoError(t, err)
	require.EqualValues(t, 100_000_000, st.ReleasedAmountUsdc)
	require.Equal(t, StatusCompleted, st.Status)
}

func TestApplyConfirmedReleaseRejectsOverRelease(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store)
	seedStream(t, store, 100_000_000, time.Hour, 4*time.Hour)

	err := store.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		_, err := svc.ApplyConfirmedRelease(context.Background(), tx, "st-1", 100_000_001)
		return err
	})
	require.Error(t, err)

	st, getErr := svc.Get(context.Background(), "st-1")
	require.NoError(t, getErr)
	require.EqualValues(t, 0, st.ReleasedAmountUsdc)
}

func TestCompleteRebasesTotalToAccrued(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store)
	// 120 USDC over 4 hours, finished after 3: the stream owes 90, not 120.
	seedStream(t, store, 120_000_000, 3*time.Hour, 4*time.Hour)
	ctx := context.Background()

	err := store.WithTransaction(ctx, func(tx *gorm.DB) error {
		return svc.Complete(ctx, tx, "st-1")
	})
	require.NoError(t, err)

	st, err := svc.Get(ctx, "st-1")
	require.NoError(t, err)
	require.InDelta(t, 90_000_000, float64(st.TotalAmountUsdc), 20_000)
	require.Equal(t, StatusActive, st.Status)
	require.False(t, st.NextReleaseAt.After(time.Now()))
}

func TestPauseResumeCancel(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store)
	seedStream(t, store, 100_000_000, time.Hour, 4*time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.Pause(ctx, "st-1", "ops"))
	st, err := svc.Get(ctx, "st-1")
	require.NoError(t, err)
	require.Equal(t, StatusPaused, st.Status)

	// Paused streams release nothing.
	require.NoError(t, svc.OpenRelease(ctx, "st-1"))
	var count int64
	require.NoError(t, store.DB().Model(&transaction.Transaction{}).Count(&count).Error)
	require.EqualValues(t, 0, count)

	require.Error(t, svc.Pause(ctx, "st-1", "ops"))

	require.NoError(t, svc.Resume(ctx, "st-1", "ops"))
	st, err = svc.Get(ctx, "st-1")
	require.NoError(t, err)
	require.Equal(t, StatusActive, st.Status)

	require.NoError(t, svc.Cancel(ctx, "st-1", "ops"))
	st, err = svc.Get(ctx, "st-1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, st.Status)

	require.Error(t, svc.Resume(ctx, "st-1", "ops"))
}
