package storage

import (
	"context"
	"sync"
	"time"
)

// Mem is an in-memory Store for tests.
type Mem struct {
	mu        sync.Mutex
	nextID    int64
	statuses  map[string][]*StatusSample
	locations map[string][]*LocationSample
	alarms    map[string][]*AlarmRecord
	fences    map[[2]int64]*GeofenceState
}

var _ Store = (*Mem)(nil)

func NewMem() *Mem {
	return &Mem{
		statuses:  make(map[string][]*StatusSample),
		locations: make(map[string][]*LocationSample),
		alarms:    make(map[string][]*AlarmRecord),
		fences:    make(map[[2]int64]*GeofenceState),
	}
}

func (m *Mem) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Mem) SaveStatus(ctx context.Context, s *StatusSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.id()
	cp := *s
	m.statuses[s.IMEI] = append(m.statuses[s.IMEI], &cp)
	return nil
}

func (m *Mem) TouchStatus(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rows := range m.statuses {
		for _, r := range rows {
			if r.ID == id {
				r.At = at
				return nil
			}
		}
	}
	return nil
}

func (m *Mem) LatestStatus(ctx context.Context, imei string) (*StatusSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.statuses[imei]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[0]
	for _, r := range rows[1:] {
		if !r.At.Before(latest.At) {
			latest = r
		}
	}
	cp := *latest
	return &cp, nil
}

func (m *Mem) SaveLocation(ctx context.Context, l *LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.id()
	cp := *l
	m.locations[l.IMEI] = append(m.locations[l.IMEI], &cp)
	return nil
}

func (m *Mem) TouchLocation(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rows := range m.locations {
		for _, r := range rows {
			if r.ID == id {
				r.At = at
				return nil
			}
		}
	}
	return nil
}

func (m *Mem) LatestLocation(ctx context.Context, imei string) (*LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.locations[imei]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[0]
	for _, r := range rows[1:] {
		if !r.At.Before(latest.At) {
			latest = r
		}
	}
	cp := *latest
	return &cp, nil
}

func (m *Mem) SaveAlarm(ctx context.Context, a *AlarmRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	cp := *a
	m.alarms[a.IMEI] = append(m.alarms[a.IMEI], &cp)
	return nil
}

func (m *Mem) GetGeofenceState(ctx context.Context, vehicleID, geofenceID int64) (*GeofenceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.fences[[2]int64{vehicleID, geofenceID}]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *Mem) UpsertGeofenceState(ctx context.Context, st *GeofenceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.fences[[2]int64{st.VehicleID, st.GeofenceID}] = &cp
	return nil
}

// Test inspection helpers.

func (m *Mem) StatusCount(imei string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.statuses[imei])
}

func (m *Mem) LocationCount(imei string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locations[imei])
}

func (m *Mem) Alarms(imei string) []*AlarmRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AlarmRecord, 0, len(m.alarms[imei]))
	for _, a := range m.alarms[imei] {
		cp := *a
		out = append(out, &cp)
	}
	return out
}
