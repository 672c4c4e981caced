// Package directory is the device/vehicle registry consumed by the
// gateway. Registry management itself (CRUD, users, permissions) lives in
// the REST layer; the gateway only reads.
package directory

import (
	"context"

	"github.com/fleetgate/fleetgate/geofence"
)

type Role string

const (
	RoleGPS     Role = "gps" // GPS/cellular tracking unit
	RoleSIMOnly Role = "sim" // cellular-only, no position fix
	RoleOBD     Role = "obd" // OBD dongle with GPS
)

// HasGPS reports whether devices of this role produce location samples.
func (r Role) HasGPS() bool { return r == RoleGPS || r == RoleOBD }

type Device struct {
	IMEI          string
	VehicleID     int64
	Role          Role
	SpeedLimitKPH int
}

type Directory interface {
	// Device returns errors.NotFound* when imei is not provisioned.
	Device(ctx context.Context, imei string) (*Device, error)
	// VehicleGeofences lists geofences assigned to the vehicle.
	VehicleGeofences(ctx context.Context, vehicleID int64) ([]geofence.Fence, error)
	// GeofenceSubscribers lists users attached to the geofence that have
	// a valid push token.
	GeofenceSubscribers(ctx context.Context, geofenceID int64) ([]geofence.Subscriber, error)
	// VehiclePushTokens lists push tokens of users watching the vehicle.
	VehiclePushTokens(ctx context.Context, vehicleID int64) ([]string, error)
}
