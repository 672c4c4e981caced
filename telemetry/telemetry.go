// Package telemetry turns decoded wire messages into persisted samples,
// broadcast events and user notifications. It sits between the gateway
// and storage: the gateway calls Handle for every message, in frame
// order per connection.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/broadcast"
	"github.com/fleetgate/fleetgate/directory"
	"github.com/fleetgate/fleetgate/geofence"
	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/push"
	"github.com/fleetgate/fleetgate/storage"
	"github.com/fleetgate/fleetgate/wire"
)

// Session is the slice of a gateway connection the processor needs.
type Session interface {
	ID() string
	IMEI() string
}

// Registry is the slice of the gateway the processor drives on login.
type Registry interface {
	BindIdentity(connID, imei string)
	SetRelayFlag(imei string, on bool)
	ReplayQueued(imei string)
}

type Options struct {
	Log       *log2.Log
	Registry  Registry
	Directory directory.Directory
	Store     storage.Store
	Fences    *geofence.Engine
	Sender    push.Sender
	Bus       broadcast.Broadcaster
}

type Processor struct {
	log    *log2.Log
	reg    Registry
	dir    directory.Directory
	store  storage.Store
	fences *geofence.Engine
	sender push.Sender
	bus    broadcast.Broadcaster
}

func NewProcessor(opt Options) *Processor {
	return &Processor{
		log:    opt.Log,
		reg:    opt.Registry,
		dir:    opt.Directory,
		store:  opt.Store,
		fences: opt.Fences,
		sender: opt.Sender,
		bus:    opt.Bus,
	}
}

// Handle processes one decoded message. Persistence failures are logged
// and never close the connection.
func (p *Processor) Handle(ctx context.Context, sess Session, msg wire.Message) {
	switch msg.Kind {
	case wire.KindLogin:
		p.handleLogin(ctx, sess, msg.IMEI)
		return
	}

	imei := sess.IMEI()
	if imei == "" {
		// data before login, nothing to attribute it to
		p.log.Debugf("drop %s before login conn=%s", msg.Kind, sess.ID())
		return
	}
	switch msg.Kind {
	case wire.KindStatus:
		p.handleStatus(ctx, imei, msg.Status)
	case wire.KindLocation:
		p.handleLocation(ctx, imei, msg.Location)
	case wire.KindAlarm:
		p.handleAlarm(ctx, imei, msg.Alarm)
	default:
		p.log.Errorf("code error unhandled message kind=%v imei=%s", msg.Kind, imei)
	}
}

// lookupDevice resolves imei in the directory. Unknown devices surface
// as a device.unknown monitoring event no matter which message kind
// triggered the lookup: a device deleted mid-session must be as visible
// as one that was never provisioned.
func (p *Processor) lookupDevice(ctx context.Context, imei string) (*directory.Device, error) {
	dev, err := p.dir.Device(ctx, imei)
	if err != nil {
		if errors.IsNotFound(errors.Cause(err)) {
			p.log.Infof("unknown device imei=%s", imei)
			p.bus.Publish(broadcast.EventDeviceUnknown, map[string]string{"imei": imei})
		} else {
			p.log.Errorf("directory lookup imei=%s err=%v", imei, err)
		}
	}
	return dev, err
}

func (p *Processor) handleLogin(ctx context.Context, sess Session, imei string) {
	dev, err := p.lookupDevice(ctx, imei)
	if err != nil {
		return
	}

	p.reg.BindIdentity(sess.ID(), imei)
	p.reg.SetRelayFlag(imei, false)
	p.reg.ReplayQueued(imei)
	p.log.Infof("login imei=%s vehicle=%d", imei, dev.VehicleID)
	p.bus.Publish(broadcast.EventLogin, map[string]interface{}{
		"imei":       imei,
		"vehicle_id": dev.VehicleID,
	})
}

func (p *Processor) handleStatus(ctx context.Context, imei string, st *wire.Status) {
	at := st.At
	if at.IsZero() {
		at = time.Now()
	}
	sample := &storage.StatusSample{
		IMEI:     imei,
		Battery:  BatteryLevel(st.BatteryRaw),
		Signal:   SignalLevel(st.SignalRaw),
		Ignition: st.Ignition,
		Charging: st.Charging,
		Relay:    st.Relay,
		At:       at,
	}

	latest, err := p.store.LatestStatus(ctx, imei)
	if err != nil {
		p.log.Errorf("status load imei=%s err=%v", imei, err)
		latest = nil
	}

	if latest != nil && latest.Ignition != sample.Ignition {
		state := "off"
		if sample.Ignition {
			state = "on"
		}
		if dev, err := p.lookupDevice(ctx, imei); err == nil {
			p.notifyVehicle(dev.VehicleID, "Ignition "+state,
				fmt.Sprintf("Vehicle ignition turned %s", state),
				map[string]string{"imei": imei, "ignition": state})
		}
	}

	if latest != nil && sameStatus(latest, sample) {
		if err = p.store.TouchStatus(ctx, latest.ID, at); err != nil {
			p.log.Errorf("status touch imei=%s err=%v", imei, err)
		}
		sample.ID = latest.ID
	} else if err = p.store.SaveStatus(ctx, sample); err != nil {
		p.log.Errorf("status save imei=%s err=%v", imei, err)
	}

	p.bus.Publish(broadcast.EventStatus, sample)
}

func sameStatus(a, b *storage.StatusSample) bool {
	return a.Battery == b.Battery && a.Signal == b.Signal &&
		a.Ignition == b.Ignition && a.Charging == b.Charging && a.Relay == b.Relay
}

func (p *Processor) handleLocation(ctx context.Context, imei string, loc *wire.Location) {
	dev, err := p.lookupDevice(ctx, imei)
	if err != nil {
		return
	}
	if !dev.Role.HasGPS() {
		p.log.Debugf("location from role=%s imei=%s ignored", dev.Role, imei)
		return
	}

	at := loc.At
	if at.IsZero() {
		at = time.Now()
	}
	sample := &storage.LocationSample{
		IMEI:       imei,
		Lat:        loc.Lat,
		Lon:        loc.Lon,
		SpeedKPH:   loc.SpeedKPH,
		Course:     loc.Course,
		Satellites: loc.Satellites,
		Realtime:   loc.Realtime,
		At:         at,
	}

	prev, err := p.store.LatestLocation(ctx, imei)
	if err != nil {
		p.log.Errorf("location load imei=%s err=%v", imei, err)
		prev = nil
	}

	moved := prev == nil || !sameLocation(prev, sample)
	if !moved {
		if err = p.store.TouchLocation(ctx, prev.ID, at); err != nil {
			p.log.Errorf("location touch imei=%s err=%v", imei, err)
		}
		sample.ID = prev.ID
	} else if err = p.store.SaveLocation(ctx, sample); err != nil {
		p.log.Errorf("location save imei=%s err=%v", imei, err)
	}

	// repeats on every sample above the limit, deliberately not deduplicated
	if dev.SpeedLimitKPH > 0 && sample.SpeedKPH > dev.SpeedLimitKPH {
		p.notifyVehicle(dev.VehicleID, "Speed limit exceeded",
			fmt.Sprintf("Vehicle is moving at %d km/h, limit %d km/h", sample.SpeedKPH, dev.SpeedLimitKPH),
			map[string]string{"imei": imei, "speed_kph": fmt.Sprint(sample.SpeedKPH)})
	}

	if moved && prev != nil {
		if st, err := p.store.LatestStatus(ctx, imei); err == nil && st != nil &&
			!st.Ignition && st.At.After(prev.At) {
			p.notifyVehicle(dev.VehicleID, "Vehicle moving",
				"Vehicle is moving with ignition off",
				map[string]string{"imei": imei})
		}
	}

	if p.fences != nil {
		fences, err := p.dir.VehicleGeofences(ctx, dev.VehicleID)
		if err != nil {
			p.log.Errorf("geofence list vehicle=%d err=%v", dev.VehicleID, err)
		}
		pt := geofence.Point{Lat: sample.Lat, Lon: sample.Lon}
		for _, f := range fences {
			if err := p.fences.Evaluate(ctx, dev.VehicleID, f, pt); err != nil {
				p.log.Errorf("geofence eval vehicle=%d fence=%d err=%v", dev.VehicleID, f.ID, err)
			}
		}
	}

	p.bus.Publish(broadcast.EventLocation, sample)
}

func sameLocation(a, b *storage.LocationSample) bool {
	return a.Lat == b.Lat && a.Lon == b.Lon && a.SpeedKPH == b.SpeedKPH &&
		a.Course == b.Course && a.Satellites == b.Satellites && a.Realtime == b.Realtime
}

func (p *Processor) handleAlarm(ctx context.Context, imei string, al *wire.Alarm) {
	at := al.At
	if at.IsZero() {
		at = time.Now()
	}
	rec := &storage.AlarmRecord{
		IMEI: imei,
		Type: AlarmType(al.Code),
		Code: al.Code,
		At:   at,
	}
	// alarms are never deduplicated, every one is a row
	if err := p.store.SaveAlarm(ctx, rec); err != nil {
		p.log.Errorf("alarm save imei=%s err=%v", imei, err)
	}
	p.log.Infof("alarm imei=%s type=%s code=%#x", imei, rec.Type, al.Code)
	p.bus.Publish(broadcast.EventAlarm, rec)
}

// notifyVehicle pushes to everyone watching the vehicle. Detached: a
// slow or failing push service must not stall the read loop.
func (p *Processor) notifyVehicle(vehicleID int64, title, body string, data map[string]string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tokens, err := p.dir.VehiclePushTokens(ctx, vehicleID)
		if err != nil {
			p.log.Errorf("push tokens vehicle=%d err=%v", vehicleID, err)
			return
		}
		if len(tokens) == 0 {
			return
		}
		ok, failed, err := p.sender.Send(ctx, tokens, title, body, data)
		if err != nil {
			p.log.Errorf("push vehicle=%d err=%v", vehicleID, err)
			return
		}
		p.log.Debugf("push vehicle=%d title=%q ok=%d failed=%d", vehicleID, title, ok, failed)
	}()
}
