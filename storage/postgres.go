package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/log2"
)

const (
	poolMaxConns        = 10
	poolMinConns        = 2
	poolMaxConnLifetime = 10 * time.Minute
	poolMaxConnIdleTime = 5 * time.Minute
)

func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Annotate(err, "postgres parse config")
	}
	config.MaxConns = poolMaxConns
	config.MinConns = poolMinConns
	config.MaxConnLifetime = poolMaxConnLifetime
	config.MaxConnIdleTime = poolMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Annotate(err, "postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Annotate(err, "postgres ping")
	}
	return pool, nil
}

// SQL implements Store over pgxpool with an optional write-through cache
// of latest samples (see cache.go). cache may be nil.
type SQL struct {
	pool  *pgxpool.Pool
	cache *Cache
	log   *log2.Log
}

var _ Store = (*SQL)(nil)

func NewSQL(pool *pgxpool.Pool, cache *Cache, log *log2.Log) *SQL {
	return &SQL{pool: pool, cache: cache, log: log}
}

func (s *SQL) SaveStatus(ctx context.Context, st *StatusSample) error {
	err := s.pool.QueryRow(ctx, `
insert into device_status (imei, battery, signal, ignition, charging, relay, at)
values ($1, $2, $3, $4, $5, $6, $7) returning id`,
		st.IMEI, st.Battery, st.Signal, st.Ignition, st.Charging, st.Relay, st.At,
	).Scan(&st.ID)
	if err != nil {
		return errors.Annotate(err, "save status")
	}
	s.cache.putStatus(ctx, st)
	return nil
}

func (s *SQL) TouchStatus(ctx context.Context, id int64, at time.Time) error {
	var st StatusSample
	err := s.pool.QueryRow(ctx, `
update device_status set at = $2 where id = $1
returning id, imei, battery, signal, ignition, charging, relay, at`,
		id, at,
	).Scan(&st.ID, &st.IMEI, &st.Battery, &st.Signal, &st.Ignition, &st.Charging, &st.Relay, &st.At)
	if err != nil {
		return errors.Annotatef(err, "touch status id=%d", id)
	}
	s.cache.putStatus(ctx, &st)
	return nil
}

func (s *SQL) LatestStatus(ctx context.Context, imei string) (*StatusSample, error) {
	if st := s.cache.getStatus(ctx, imei); st != nil {
		return st, nil
	}
	st := &StatusSample{}
	err := s.pool.QueryRow(ctx, `
select id, imei, battery, signal, ignition, charging, relay, at
from device_status where imei = $1 order by at desc limit 1`, imei,
	).Scan(&st.ID, &st.IMEI, &st.Battery, &st.Signal, &st.Ignition, &st.Charging, &st.Relay, &st.At)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "latest status imei=%s", imei)
	}
	s.cache.putStatus(ctx, st)
	return st, nil
}

func (s *SQL) SaveLocation(ctx context.Context, l *LocationSample) error {
	err := s.pool.QueryRow(ctx, `
insert into device_location (imei, lat, lon, speed_kph, course, satellites, realtime, at)
values ($1, $2, $3, $4, $5, $6, $7, $8) returning id`,
		l.IMEI, l.Lat, l.Lon, l.SpeedKPH, l.Course, l.Satellites, l.Realtime, l.At,
	).Scan(&l.ID)
	if err != nil {
		return errors.Annotate(err, "save location")
	}
	s.cache.putLocation(ctx, l)
	return nil
}

func (s *SQL) TouchLocation(ctx context.Context, id int64, at time.Time) error {
	var l LocationSample
	err := s.pool.QueryRow(ctx, `
update device_location set at = $2 where id = $1
returning id, imei, lat, lon, speed_kph, course, satellites, realtime, at`,
		id, at,
	).Scan(&l.ID, &l.IMEI, &l.Lat, &l.Lon, &l.SpeedKPH, &l.Course, &l.Satellites, &l.Realtime, &l.At)
	if err != nil {
		return errors.Annotatef(err, "touch location id=%d", id)
	}
	s.cache.putLocation(ctx, &l)
	return nil
}

func (s *SQL) LatestLocation(ctx context.Context, imei string) (*LocationSample, error) {
	if l := s.cache.getLocation(ctx, imei); l != nil {
		return l, nil
	}
	l := &LocationSample{}
	err := s.pool.QueryRow(ctx, `
select id, imei, lat, lon, speed_kph, course, satellites, realtime, at
from device_location where imei = $1 order by at desc limit 1`, imei,
	).Scan(&l.ID, &l.IMEI, &l.Lat, &l.Lon, &l.SpeedKPH, &l.Course, &l.Satellites, &l.Realtime, &l.At)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "latest location imei=%s", imei)
	}
	s.cache.putLocation(ctx, l)
	return l, nil
}

func (s *SQL) SaveAlarm(ctx context.Context, a *AlarmRecord) error {
	err := s.pool.QueryRow(ctx, `
insert into device_alarm (imei, type, code, at)
values ($1, $2, $3, $4) returning id`,
		a.IMEI, a.Type, a.Code, a.At,
	).Scan(&a.ID)
	return errors.Annotate(err, "save alarm")
}

func (s *SQL) GetGeofenceState(ctx context.Context, vehicleID, geofenceID int64) (*GeofenceState, error) {
	st := &GeofenceState{}
	err := s.pool.QueryRow(ctx, `
select vehicle_id, geofence_id, inside, last_event, last_event_at
from geofence_state where vehicle_id = $1 and geofence_id = $2`,
		vehicleID, geofenceID,
	).Scan(&st.VehicleID, &st.GeofenceID, &st.Inside, &st.LastEvent, &st.LastEventAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "geofence state vehicle=%d fence=%d", vehicleID, geofenceID)
	}
	return st, nil
}

func (s *SQL) UpsertGeofenceState(ctx context.Context, st *GeofenceState) error {
	_, err := s.pool.Exec(ctx, `
insert into geofence_state (vehicle_id, geofence_id, inside, last_event, last_event_at)
values ($1, $2, $3, $4, $5)
on conflict (vehicle_id, geofence_id) do update
set inside = excluded.inside, last_event = excluded.last_event, last_event_at = excluded.last_event_at`,
		st.VehicleID, st.GeofenceID, st.Inside, st.LastEvent, st.LastEventAt)
	return errors.Annotate(err, "upsert geofence state")
}
