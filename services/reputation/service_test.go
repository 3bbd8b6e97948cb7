package reputation

import (
	"context"
	"testing"

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

func newTestService(t *testing.T) (*Service, *ledger.Store) {
	t.Helper()

	db := testutil.NewTestDB(t, &worker.Worker{}, &Event{}, &ledger.AuditLog{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	svc := NewService(Params{Store: store, Node: node, Config: cfg})
	return svc, store
}

func seedWorker(t *testing.T, store *ledger.Store, score int64) *worker.Worker {
	t.Helper()
	w := &worker.Worker{
		ID:              "w-1",
		Wallet:          "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
		Status:          worker.StatusActive,
		ReputationScore: score,
	}
	require.NoError(t, store.DB().Create(w).Error)
	return w
}

func record(t *testing.T, svc *Service, store *ledger.Store, p RecordParams) *Event {
	t.Helper()
	var ev *Event
	err := store.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		var err error
		ev, err = svc.Record(context.Background(), tx, p)
		return err
	})
	require.NoError(t, err)
	return ev
}

func workerScore(t *testing.T, store *ledger.Store) int64 {
	t.Helper()
	var w worker.Worker
	require.NoError(t, store.DB().Where("id = ?", "w-1").First(&w).Error)
	return w.ReputationScore
}

func TestEventDeltas(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store, 100)

	rating4 := 4.0
	rating5 := 5.0
	rating1 := 1.0

	cases := []struct {
		params RecordParams
		delta  int64
	}{
		{RecordParams{WorkerID: "w-1", Kind: KindTaskCompleted, Actor: "system"}, 10},
		{RecordParams{WorkerID: "w-1", Kind: KindTaskCompleted, Rating: &rating4, Actor: "system"}, 10},
		{RecordParams{WorkerID: "w-1", Kind: KindTaskCompleted, Rating: &rating5, Actor: "system"}, 15},
		{RecordParams{WorkerID: "w-1", Kind: KindTaskLate, Actor: "system"}, -5},
		{RecordParams{WorkerID: "w-1", Kind: KindDisputeFiled, Actor: "system"}, -20},
		{RecordParams{WorkerID: "w-1", Kind: KindDisputeResolved, InWorkerFavor: true, Actor: "system"}, 10},
		{RecordParams{WorkerID: "w-1", Kind: KindDisputeResolved, Actor: "system"}, 0},
		{RecordParams{WorkerID: "w-1", Kind: KindRatingReceived, Rating: &rating5, Actor: "system"}, 10},
		{RecordParams{WorkerID: "w-1", Kind: KindRatingReceived, Rating: &rating1, Actor: "system"}, -10},
		{RecordParams{WorkerID: "w-1", Kind: KindLoanDefaulted, Actor: "system"}, -25},
		{RecordParams{WorkerID: "w-1", Kind: KindManualAdjustment, Delta: 42, Actor: "ops"}, 42},
	}

	for _, tc := range cases {
		ev := record(t, svc, store, tc.params)
		require.Equal(t, tc.delta, ev.Delta, "kind %s", tc.params.Kind)
		require.Equal(t, ev.PreviousScore+tc.delta, ev.NewScore)
	}
}

func TestRatingReceivedRequiresRating(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store, 100)

	err := store.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		_, err := svc.Record(context.Background(), tx, RecordParams{
			WorkerID: "w-1", Kind: KindRatingReceived, Actor: "system",
		})
		return err
	})
	require.Error(t, err)
}

func TestScoreClampsAtBounds(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store, 10)

	ev := record(t, svc, store, RecordParams{
		WorkerID: "w-1", Kind: KindManualAdjustment, Delta: -500, Actor: "ops",
	})
	require.EqualValues(t, 0, ev.NewScore)
	require.EqualValues(t, 0, workerScore(t, store))

	ev = record(t, svc, store, RecordParams{
		WorkerID: "w-1", Kind: KindManualAdjustment, Delta: 5000, Actor: "ops",
	})
	require.EqualValues(t, 1000, ev.NewScore)
	require.EqualValues(t, 1000, workerScore(t, store))
}

func TestRebuildMatchesProjection(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store, 100)

	rating5 := 5.0
	record(t, svc, store, RecordParams{WorkerID: "w-1", Kind: KindTaskCompleted, Rating: &rating5, Actor: "system"})
	record(t, svc, store, RecordParams{WorkerID: "w-1", Kind: KindTaskCompleted, Actor: "system"})
	record(t, svc, store, RecordParams{WorkerID: "w-1", Kind: KindTaskLate, Actor: "system"})
	record(t, svc, store, RecordParams{WorkerID: "w-1", Kind: KindDisputeFiled, Actor: "system"})
	record(t, svc, store, RecordParams{WorkerID: "w-1", Kind: KindDisputeResolved, InWorkerFavor: true, Actor: "system"})
	record(t, svc, store, RecordParams{WorkerID: "w-1", Kind: KindManualAdjustment, Delta: -30, Actor: "ops"})

	rebuilt, err := svc.Rebuild(context.Background(), "w-1")
	require.NoError(t, err)
	require.Equal(t, workerScore(t, store), rebuilt)
	require.EqualValues(t, 100+15+10-5-20+10-30, rebuilt)
}

func TestAdjustWritesAudit(t *testing.T) {
	svc, store := newTestService(t)
	seedWorker(t, store, 100)

	ev, err := svc.Adjust(context.Background(), "w-1", -15, "quality review", "ops")
	require.NoError(t, err)
	require.EqualValues(t, -15, ev.Delta)
	require.EqualValues(t, 85, workerScore(t, store))

	var audits int64
	require.NoError(t, store.DB().Model(&ledger.AuditLog{}).
		Where("action = ?", "reputation.adjusted").Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func TestGradeBands(t *testing.T) {
	require.Equal(t, GradeBronze, GradeFor(0))
	require.Equal(t, GradeBronze, GradeFor(499))
	require.Equal(t, GradeSilver, GradeFor(500))
	require.Equal(t, GradeSilver, GradeFor(799))
	require.Equal(t, GradeGold, GradeFor(800))
	require.Equal(t, GradeGold, GradeFor(1000))
}
