package directory

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/geofence"
)

// Mock is an in-memory Directory for tests.
type Mock struct {
	mu          sync.Mutex
	Devices     map[string]*Device
	Fences      map[int64][]geofence.Fence      // by vehicle id
	Subscribers map[int64][]geofence.Subscriber // by geofence id
	Tokens      map[int64][]string              // by vehicle id
}

var _ Directory = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{
		Devices:     make(map[string]*Device),
		Fences:      make(map[int64][]geofence.Fence),
		Subscribers: make(map[int64][]geofence.Subscriber),
		Tokens:      make(map[int64][]string),
	}
}

func (m *Mock) Device(ctx context.Context, imei string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.Devices[imei]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, errors.NotFoundf("device imei=%s", imei)
}

func (m *Mock) VehicleGeofences(ctx context.Context, vehicleID int64) ([]geofence.Fence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]geofence.Fence(nil), m.Fences[vehicleID]...), nil
}

func (m *Mock) GeofenceSubscribers(ctx context.Context, geofenceID int64) ([]geofence.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]geofence.Subscriber(nil), m.Subscribers[geofenceID]...), nil
}

func (m *Mock) VehiclePushTokens(ctx context.Context, vehicleID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Tokens[vehicleID]...), nil
}
