package geofence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/directory"
	"github.com/fleetgate/fleetgate/geofence"
	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/push"
	"github.com/fleetgate/fleetgate/storage"
)

const (
	testVehicle = int64(7)
	testFenceID = int64(42)
)

func testEngine(t testing.TB) (*geofence.Engine, *storage.Mem, *push.Mock) {
	log := log2.NewTest(t, log2.LDebug)
	store := storage.NewMem()
	dir := directory.NewMock()
	dir.Subscribers[testFenceID] = []geofence.Subscriber{
		{UserID: 1, PushToken: "tok-1"},
		{UserID: 2, PushToken: "tok-2"},
	}
	sender := &push.Mock{}
	return geofence.NewEngine(log, store, dir, sender), store, sender
}

func testFence() geofence.Fence {
	return geofence.Fence{
		ID:   testFenceID,
		Name: "depot",
		Ring: []geofence.Point{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 10}, {Lat: 10, Lon: 10}, {Lat: 10, Lon: 0}},
	}
}

// waitPush polls for n notifications; sends are detached from Evaluate.
func waitPush(t testing.TB, sender *push.Mock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.Count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d pushes, got %d", n, sender.Count())
}

func TestFirstObservationInsideNotifies(t *testing.T) {
	t.Parallel()

	e, store, sender := testEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Evaluate(ctx, testVehicle, testFence(), geofence.Point{Lat: 5, Lon: 5}))

	st, err := store.GetGeofenceState(ctx, testVehicle, testFenceID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Inside)
	assert.Equal(t, geofence.EventEntry, st.LastEvent)

	waitPush(t, sender, 1)
	last := sender.Last()
	assert.Equal(t, []string{"tok-1", "tok-2"}, last.Tokens)
	assert.Contains(t, last.Body, "entered")
}

func TestFirstObservationOutsideSilent(t *testing.T) {
	t.Parallel()

	e, store, sender := testEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Evaluate(ctx, testVehicle, testFence(), geofence.Point{Lat: 50, Lon: 50}))

	// state recorded, no spurious alert on first observation/backfill
	st, err := store.GetGeofenceState(ctx, testVehicle, testFenceID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.Inside)
	assert.Equal(t, geofence.EventExit, st.LastEvent)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.Count())
}

func TestTransitionsNotifyExactlyOnce(t *testing.T) {
	t.Parallel()

	e, _, sender := testEngine(t)
	ctx := context.Background()
	out := geofence.Point{Lat: 50, Lon: 50}
	in := geofence.Point{Lat: 5, Lon: 5}

	// outside -> inside -> inside -> outside: exactly Entry + Exit
	for _, p := range []geofence.Point{out, in, in, out} {
		require.NoError(t, e.Evaluate(ctx, testVehicle, testFence(), p))
	}
	waitPush(t, sender, 2)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, sender.Count())
	bodies := []string{sender.Sends[0].Body, sender.Sends[1].Body}
	assert.Contains(t, bodies[0]+bodies[1], "entered")
	assert.Contains(t, bodies[0]+bodies[1], "left")
}

func TestRepeatedEvaluationIdempotent(t *testing.T) {
	t.Parallel()

	e, store, sender := testEngine(t)
	ctx := context.Background()
	in := geofence.Point{Lat: 5, Lon: 5}
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Evaluate(ctx, testVehicle, testFence(), in))
	}
	waitPush(t, sender, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.Count())
	st, err := store.GetGeofenceState(ctx, testVehicle, testFenceID)
	require.NoError(t, err)
	assert.True(t, st.Inside)
}

func TestPushFailureDoesNotFailEvaluation(t *testing.T) {
	t.Parallel()

	e, store, sender := testEngine(t)
	sender.Fail = true
	ctx := context.Background()
	require.NoError(t, e.Evaluate(ctx, testVehicle, testFence(), geofence.Point{Lat: 5, Lon: 5}))
	st, err := store.GetGeofenceState(ctx, testVehicle, testFenceID)
	require.NoError(t, err)
	assert.True(t, st.Inside)
}

func TestDegenerateRingTreatedOutside(t *testing.T) {
	t.Parallel()

	e, store, sender := testEngine(t)
	ctx := context.Background()
	broken := geofence.Fence{ID: testFenceID, Name: "broken", Ring: []geofence.Point{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}}}
	require.NoError(t, e.Evaluate(ctx, testVehicle, broken, geofence.Point{Lat: 0.5, Lon: 0.5}))
	st, err := store.GetGeofenceState(ctx, testVehicle, testFenceID)
	require.NoError(t, err)
	assert.False(t, st.Inside)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.Count())
}

// slowSender simulates a hung push service.
type slowSender struct {
	delay time.Duration
	mock  push.Mock
}

func (s *slowSender) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (int, int, error) {
	time.Sleep(s.delay)
	return s.mock.Send(ctx, tokens, title, body, data)
}

func TestSlowSenderDoesNotBlockEvaluate(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	store := storage.NewMem()
	dir := directory.NewMock()
	dir.Subscribers[testFenceID] = []geofence.Subscriber{{UserID: 1, PushToken: "tok-1"}}
	sender := &slowSender{delay: 300 * time.Millisecond}
	e := geofence.NewEngine(log, store, dir, sender)
	ctx := context.Background()

	begin := time.Now()
	require.NoError(t, e.Evaluate(ctx, testVehicle, testFence(), geofence.Point{Lat: 5, Lon: 5}))
	assert.Less(t, time.Since(begin), 150*time.Millisecond)

	// a later evaluation of the same key is not stalled behind the send
	begin = time.Now()
	require.NoError(t, e.Evaluate(ctx, testVehicle, testFence(), geofence.Point{Lat: 5, Lon: 5}))
	assert.Less(t, time.Since(begin), 150*time.Millisecond)

	waitPush(t, &sender.mock, 1)
}
