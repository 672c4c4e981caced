// Package storage is the persistence sink for telemetry samples and
// geofence containment state. The gateway treats it as a collaborator:
// write failures are logged upstream and never close device connections.
package storage

import (
	"context"
	"time"
)

type StatusSample struct {
	ID       int64     `json:"id"`
	IMEI     string    `json:"imei"`
	Battery  int       `json:"battery"` // 0..6
	Signal   int       `json:"signal"`  // 0..4
	Ignition bool      `json:"ignition"`
	Charging bool      `json:"charging"`
	Relay    bool      `json:"relay"`
	At       time.Time `json:"at"`
}

type LocationSample struct {
	ID         int64     `json:"id"`
	IMEI       string    `json:"imei"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKPH   int       `json:"speed_kph"`
	Course     int       `json:"course"`
	Satellites int       `json:"satellites"`
	Realtime   bool      `json:"realtime"`
	At         time.Time `json:"at"`
}

type AlarmRecord struct {
	ID   int64     `json:"id"`
	IMEI string    `json:"imei"`
	Type string    `json:"type"` // normal sos power_cut shock fence_in fence_out
	Code uint8     `json:"code"`
	At   time.Time `json:"at"`
}

// GeofenceState is one row per (vehicle, geofence) pair, upserted on
// every evaluation.
type GeofenceState struct {
	VehicleID   int64     `json:"vehicle_id"`
	GeofenceID  int64     `json:"geofence_id"`
	Inside      bool      `json:"inside"`
	LastEvent   string    `json:"last_event"` // entry|exit
	LastEventAt time.Time `json:"last_event_at"`
}

// Store is the persistence sink. Latest* return nil, nil when no sample
// exists yet.
type Store interface {
	SaveStatus(ctx context.Context, s *StatusSample) error
	TouchStatus(ctx context.Context, id int64, at time.Time) error
	LatestStatus(ctx context.Context, imei string) (*StatusSample, error)

	SaveLocation(ctx context.Context, l *LocationSample) error
	TouchLocation(ctx context.Context, id int64, at time.Time) error
	LatestLocation(ctx context.Context, imei string) (*LocationSample, error)

	SaveAlarm(ctx context.Context, a *AlarmRecord) error

	GetGeofenceState(ctx context.Context, vehicleID, geofenceID int64) (*GeofenceState, error)
	UpsertGeofenceState(ctx context.Context, st *GeofenceState) error
}
