package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/model"
	"flash_checkout/internal/store"
	"flash_checkout/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLedgerOptimisticUpdate(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()

	created, err := s.CreateLedger(ctx, "p1", 10)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateLedger(ctx, "p1", 99)
	require.NoError(t, err)
	assert.False(t, created)

	l, err := s.GetLedger(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), l.Quantity)

	require.NoError(t, s.UpdateLedger(ctx, "p1", 9, l.Version))

	// the same version again lost the race
	err = s.UpdateLedger(ctx, "p1", 8, l.Version)
	require.ErrorIs(t, err, apperr.ErrConflict)

	err = s.UpdateLedger(ctx, "p1", -1, l.Version+1)
	require.ErrorIs(t, err, apperr.ErrDomainFailure)

	l, err = s.GetLedger(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), l.Quantity)
	assert.Equal(t, int64(1), l.Version)
}

func TestMissingRowsAreNotFound(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()

	_, err := s.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetReservationByOrder(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetExecution(ctx, "order-nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReservationUniquePerOrder(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()

	r := &model.Reservation{ID: "r1", OrderID: "o1", ProductID: "p1", Quantity: 1, Status: model.ReservationReserved, ExpiresAt: time.Now()}
	require.NoError(t, s.CreateReservation(ctx, r))

	dup := &model.Reservation{ID: "r2", OrderID: "o1", ProductID: "p1", Quantity: 1, Status: model.ReservationReserved, ExpiresAt: time.Now()}
	err := s.CreateReservation(ctx, dup)
	require.Error(t, err)
	assert.True(t, store.IsDuplicate(err))

	changed, err := s.SetReservationStatus(ctx, "r1", model.ReservationReserved, model.ReservationCancelled)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.SetReservationStatus(ctx, "r1", model.ReservationReserved, model.ReservationCancelled)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCreateExecutionIsStartOrNoop(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()

	exec := func() *model.SagaExecution {
		return &model.SagaExecution{WorkflowID: "order-o1", OrderID: "o1", UserID: "u", ProductID: "p", Quantity: 1, Amount: 100, Step: model.StepCreated}
	}
	ev := func() *model.SagaEvent {
		return &model.SagaEvent{WorkflowID: "order-o1", Type: "started", Payload: "{}"}
	}

	created, err := s.CreateExecution(ctx, exec(), ev())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateExecution(ctx, exec(), ev())
	require.NoError(t, err)
	assert.False(t, created)

	events, err := s.ListSagaEvents(ctx, "order-o1")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	snap := exec()
	snap.Step = model.StepFailed
	snap.Reason = "order cancelled by user"
	require.NoError(t, s.RecordSagaEvent(ctx, snap, &model.SagaEvent{WorkflowID: "order-o1", Type: "completed", Payload: "{}"}))

	got, err := s.GetExecution(ctx, "order-o1")
	require.NoError(t, err)
	assert.Equal(t, model.StepFailed, got.Step)
	assert.Equal(t, "order cancelled by user", got.Reason)

	unfinished, err := s.ListUnfinishedExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

func TestTxRollsBackOrderAndOutbox(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Tx(ctx, func(tx *store.Store) error {
		require.NoError(t, tx.CreateOrder(ctx, &model.Order{ID: "o1", UserID: "u", ProductID: "p", Quantity: 1, UnitPrice: 5, Amount: 5, Status: model.OrderPending}))
		require.NoError(t, tx.AddOutbox(ctx, &model.OutboxEvent{Topic: "orders.reservations", Key: "o1", Type: "reservation", Payload: "{}"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxLifecycle(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddOutbox(ctx,
		&model.OutboxEvent{Topic: "t", Key: "a", Type: "x", Payload: "{}"},
		&model.OutboxEvent{Topic: "t", Key: "b", Type: "x", Payload: "{}"},
	))

	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Key)

	require.NoError(t, s.MarkOutboxFailed(ctx, pending[0].ID, "broker down"))
	require.NoError(t, s.MarkOutboxSent(ctx, pending[1].ID))

	pending, err = s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)
}

func TestMissesAreNotLoggedButErrorsAre(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	db, err := store.Open("sqlite", "file:gormlog?mode=memory&cache=shared", zap.New(core))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	s := store.New(db)
	ctx := context.Background()
	logs.TakeAll()

	_, err = s.GetPayment(ctx, "nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetExecution(ctx, "order-nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, logs.Len())

	require.Error(t, db.Exec("SELECT * FROM no_such_table").Error)
	gormLogs := logs.Filter(func(e observer.LoggedEntry) bool { return e.LoggerName == "gorm" })
	assert.Equal(t, 1, gormLogs.Len())
	assert.Contains(t, gormLogs.All()[0].Message, "no_such_table")
}
