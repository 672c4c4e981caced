package directory

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/geofence"
)

// SQL reads the directory from the same postgres the REST layer manages.
type SQL struct {
	pool *pgxpool.Pool
}

var _ Directory = (*SQL)(nil)

func NewSQL(pool *pgxpool.Pool) *SQL { return &SQL{pool: pool} }

func (d *SQL) Device(ctx context.Context, imei string) (*Device, error) {
	dev := &Device{}
	err := d.pool.QueryRow(ctx, `
select d.imei, d.vehicle_id, d.role, coalesce(v.speed_limit_kph, 0)
from device d left join vehicle v on v.id = d.vehicle_id
where d.imei = $1`, imei,
	).Scan(&dev.IMEI, &dev.VehicleID, &dev.Role, &dev.SpeedLimitKPH)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFoundf("device imei=%s", imei)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "directory device imei=%s", imei)
	}
	return dev, nil
}

func (d *SQL) VehicleGeofences(ctx context.Context, vehicleID int64) ([]geofence.Fence, error) {
	rows, err := d.pool.Query(ctx, `
select g.id, g.name, g.ring
from geofence g join vehicle_geofence vg on vg.geofence_id = g.id
where vg.vehicle_id = $1`, vehicleID)
	if err != nil {
		return nil, errors.Annotatef(err, "directory geofences vehicle=%d", vehicleID)
	}
	defer rows.Close()

	var out []geofence.Fence
	for rows.Next() {
		var f geofence.Fence
		var ringJSON []byte
		if err := rows.Scan(&f.ID, &f.Name, &ringJSON); err != nil {
			return nil, errors.Trace(err)
		}
		if err := json.Unmarshal(ringJSON, &f.Ring); err != nil {
			return nil, errors.Annotatef(err, "geofence ring id=%d", f.ID)
		}
		out = append(out, f)
	}
	return out, errors.Trace(rows.Err())
}

func (d *SQL) GeofenceSubscribers(ctx context.Context, geofenceID int64) ([]geofence.Subscriber, error) {
	rows, err := d.pool.Query(ctx, `
select u.id, u.push_token
from app_user u join geofence_subscriber gs on gs.user_id = u.id
where gs.geofence_id = $1 and u.push_token <> ''`, geofenceID)
	if err != nil {
		return nil, errors.Annotatef(err, "directory subscribers fence=%d", geofenceID)
	}
	defer rows.Close()

	var out []geofence.Subscriber
	for rows.Next() {
		var s geofence.Subscriber
		if err := rows.Scan(&s.UserID, &s.PushToken); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, s)
	}
	return out, errors.Trace(rows.Err())
}

func (d *SQL) VehiclePushTokens(ctx context.Context, vehicleID int64) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
select u.push_token
from app_user u join vehicle_watcher vw on vw.user_id = u.id
where vw.vehicle_id = $1 and u.push_token <> ''`, vehicleID)
	if err != nil {
		return nil, errors.Annotatef(err, "directory tokens vehicle=%d", vehicleID)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, token)
	}
	return out, errors.Trace(rows.Err())
}
