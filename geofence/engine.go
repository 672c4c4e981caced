package geofence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/push"
	"github.com/fleetgate/fleetgate/storage"
)

const (
	EventEntry = "entry"
	EventExit  = "exit"
)

// Fence is a named polygon boundary.
type Fence struct {
	ID   int64
	Name string
	Ring []Point
}

type Subscriber struct {
	UserID    int64
	PushToken string
}

// SubscriberSource yields users attached to a geofence with a valid push
// token.
type SubscriberSource interface {
	GeofenceSubscribers(ctx context.Context, geofenceID int64) ([]Subscriber, error)
}

// StateStore is the containment state slice of the persistence sink.
type StateStore interface {
	GetGeofenceState(ctx context.Context, vehicleID, geofenceID int64) (*storage.GeofenceState, error)
	UpsertGeofenceState(ctx context.Context, st *storage.GeofenceState) error
}

type Engine struct {
	log    *log2.Log
	states StateStore
	subs   SubscriberSource
	sender push.Sender

	keys struct {
		sync.Mutex
		m map[[2]int64]*sync.Mutex
	}
}

func NewEngine(log *log2.Log, states StateStore, subs SubscriberSource, sender push.Sender) *Engine {
	e := &Engine{log: log, states: states, subs: subs, sender: sender}
	e.keys.m = make(map[[2]int64]*sync.Mutex)
	return e
}

// keyLock serializes evaluations per (vehicle, geofence) pair so that
// rapid consecutive samples cannot both read the same stale state and
// double-notify.
func (e *Engine) keyLock(vehicleID, fenceID int64) *sync.Mutex {
	e.keys.Lock()
	defer e.keys.Unlock()
	k := [2]int64{vehicleID, fenceID}
	mu, ok := e.keys.m[k]
	if !ok {
		mu = &sync.Mutex{}
		e.keys.m[k] = mu
	}
	return mu
}

// Evaluate classifies p against the fence ring, upserts containment
// state and notifies subscribers on Entry/Exit transitions. First
// observation outside records state silently: no alert storm on backfill.
func (e *Engine) Evaluate(ctx context.Context, vehicleID int64, fence Fence, p Point) error {
	mu := e.keyLock(vehicleID, fence.ID)
	mu.Lock()
	defer mu.Unlock()

	inside := ContainsPoint(fence.Ring, p)
	prev, err := e.states.GetGeofenceState(ctx, vehicleID, fence.ID)
	if err != nil {
		return errors.Annotate(err, "geofence state load")
	}

	event := EventExit
	if inside {
		event = EventEntry
	}
	notify := false
	switch {
	case prev == nil:
		notify = inside
	case prev.Inside != inside:
		notify = true
	}

	st := &storage.GeofenceState{
		VehicleID:   vehicleID,
		GeofenceID:  fence.ID,
		Inside:      inside,
		LastEvent:   event,
		LastEventAt: time.Now(),
	}
	if err = e.states.UpsertGeofenceState(ctx, st); err != nil {
		return errors.Annotate(err, "geofence state upsert")
	}

	if notify {
		// detached: a slow or failing push service must not stall the
		// telemetry path or this key's evaluations
		go e.notify(fence, event)
	}
	return nil
}

func (e *Engine) notify(fence Fence, event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subscribers, err := e.subs.GeofenceSubscribers(ctx, fence.ID)
	if err != nil {
		e.log.Errorf("geofence subscribers fence=%d err=%v", fence.ID, err)
		return
	}
	if len(subscribers) == 0 {
		return
	}
	tokens := make([]string, 0, len(subscribers))
	for _, s := range subscribers {
		if s.PushToken != "" {
			tokens = append(tokens, s.PushToken)
		}
	}
	if len(tokens) == 0 {
		return
	}

	title := "Geofence alert"
	verb := "left"
	if event == EventEntry {
		verb = "entered"
	}
	body := fmt.Sprintf("Vehicle %s geofence %s", verb, fence.Name)
	data := map[string]string{"geofence_id": fmt.Sprint(fence.ID), "event": event}

	// partial delivery failures must not fail the evaluation
	ok, failed, err := e.sender.Send(ctx, tokens, title, body, data)
	if err != nil {
		e.log.Errorf("geofence push fence=%d err=%v", fence.ID, err)
		return
	}
	e.log.Debugf("geofence push fence=%d event=%s ok=%d failed=%d", fence.ID, event, ok, failed)
}
