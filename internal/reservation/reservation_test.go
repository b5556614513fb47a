package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/model"
	"flash_checkout/internal/queue"
	"flash_checkout/internal/saga"
	"flash_checkout/internal/store"
	"flash_checkout/internal/store/storetest"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSagas struct {
	mu       sync.Mutex
	started  map[string]saga.Input
	startErr error
}

func newFakeSagas() *fakeSagas { return &fakeSagas{started: make(map[string]saga.Input)} }

func (f *fakeSagas) Start(_ context.Context, id string, in saga.Input) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return false, f.startErr
	}
	if _, ok := f.started[id]; ok {
		return false, nil
	}
	f.started[id] = in
	return true, nil
}

func (f *fakeSagas) Get(_ context.Context, id string) (*model.SagaExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.started[id]; !ok {
		return nil, apperr.ErrNotFound
	}
	return &model.SagaExecution{WorkflowID: id}, nil
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	announced []string
	failures  int
}

func (f *fakeAnnouncer) Announce(_ context.Context, o *model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("outbox write failed")
	}
	f.announced = append(f.announced, o.ID)
	return nil
}

func setup(t *testing.T) (*Handler, *store.Store, *fakeSagas, *fakeAnnouncer) {
	t.Helper()
	db := storetest.NewStore(t)
	sagas := newFakeSagas()
	ann := &fakeAnnouncer{}
	return NewHandler(db, ann, sagas, zap.NewNop()), db, sagas, ann
}

func event(orderID string) queue.ReservationEvent {
	return queue.ReservationEvent{
		OrderID: orderID, UserID: "u1", ProductID: "p1", Quantity: 2, Price: 250, Total: 500,
		ReservedAt: time.Now().UTC(),
	}
}

func TestHandleStartsSagaForPendingOrder(t *testing.T) {
	h, db, sagas, ann := setup(t)
	ctx := context.Background()
	require.NoError(t, db.CreateOrder(ctx, &model.Order{
		ID: "o1", UserID: "u1", ProductID: "p1", Quantity: 2, UnitPrice: 250, Amount: 500, Status: model.OrderPending,
	}))

	require.NoError(t, h.Handle(ctx, event("o1")))
	require.NoError(t, h.Handle(ctx, event("o1")))

	assert.Equal(t, saga.Input{OrderID: "o1", UserID: "u1", ProductID: "p1", Quantity: 2, Amount: 500},
		sagas.started[saga.WorkflowID("o1")])
	assert.Equal(t, []string{"o1"}, ann.announced)
}

func TestConcurrentRedeliveriesAnnounceOnce(t *testing.T) {
	h, db, sagas, ann := setup(t)
	ctx := context.Background()
	require.NoError(t, db.CreateOrder(ctx, &model.Order{
		ID: "o1", UserID: "u1", ProductID: "p1", Quantity: 2, UnitPrice: 250, Amount: 500, Status: model.OrderPending,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Handle(ctx, event("o1")))
		}()
	}
	wg.Wait()

	assert.Len(t, sagas.started, 1)
	assert.Equal(t, []string{"o1"}, ann.announced)
}

func TestHandleRetriesAnnounce(t *testing.T) {
	h, db, sagas, ann := setup(t)
	ctx := context.Background()
	require.NoError(t, db.CreateOrder(ctx, &model.Order{
		ID: "o1", UserID: "u1", ProductID: "p1", Quantity: 2, UnitPrice: 250, Amount: 500, Status: model.OrderPending,
	}))
	ann.failures = 2

	require.NoError(t, h.Handle(ctx, event("o1")))
	assert.Contains(t, sagas.started, saga.WorkflowID("o1"))
	assert.Equal(t, []string{"o1"}, ann.announced)
}

func TestHandleDropsUnknownOrder(t *testing.T) {
	h, _, sagas, _ := setup(t)

	require.NoError(t, h.Handle(context.Background(), event("ghost")))
	assert.Empty(t, sagas.started)
}

func TestHandleSkipsOrderPastPending(t *testing.T) {
	h, db, sagas, ann := setup(t)
	ctx := context.Background()
	require.NoError(t, db.CreateOrder(ctx, &model.Order{
		ID: "o1", UserID: "u1", ProductID: "p1", Quantity: 2, UnitPrice: 250, Amount: 500, Status: model.OrderCancelled,
	}))

	require.NoError(t, h.Handle(ctx, event("o1")))
	assert.Empty(t, sagas.started)
	assert.Empty(t, ann.announced)
}

func TestHandleReturnsStartFailureForRedelivery(t *testing.T) {
	h, db, sagas, ann := setup(t)
	ctx := context.Background()
	require.NoError(t, db.CreateOrder(ctx, &model.Order{
		ID: "o1", UserID: "u1", ProductID: "p1", Quantity: 2, UnitPrice: 250, Amount: 500, Status: model.OrderPending,
	}))
	sagas.startErr = errors.New("store unavailable")

	assert.Error(t, h.Handle(ctx, event("o1")))
	assert.Empty(t, ann.announced)
}

func TestHandleMessageDropsMalformedEvents(t *testing.T) {
	h, _, sagas, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, h.HandleMessage(ctx, kafka.Message{Value: []byte("{not json")}))

	bad := event("o1")
	bad.Total = 1
	body, err := json.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, h.HandleMessage(ctx, kafka.Message{Value: body}))

	assert.Empty(t, sagas.started)
}
