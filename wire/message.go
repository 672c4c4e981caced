// Package wire owns transport framing of the tracker protocol and the
// outbound command vocabulary. Payload structure is opaque here: bit-level
// decoding belongs to an external Codec, this package only finds frame
// boundaries and normalizes header variants.
package wire

import (
	"fmt"
	"time"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindLogin
	KindStatus
	KindLocation
	KindAlarm
)

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindStatus:
		return "status"
	case KindLocation:
		return "location"
	case KindAlarm:
		return "alarm"
	}
	return fmt.Sprintf("invalid:%d", uint8(k))
}

// Status carries vendor codes as-is; scale mapping is the telemetry
// processor's job.
type Status struct {
	At         time.Time
	BatteryRaw uint8
	SignalRaw  uint8
	Ignition   bool
	Charging   bool
	Relay      bool
}

type Location struct {
	At         time.Time
	Lat        float64
	Lon        float64
	SpeedKPH   int
	Course     int
	Satellites int
	Realtime   bool
}

type Alarm struct {
	At   time.Time
	Code uint8
}

// Message is one typed unit returned by the codec. Exactly one of the
// payload pointers is set for the matching Kind; IMEI is set on login only.
type Message struct {
	Kind     Kind
	IMEI     string
	Status   *Status
	Location *Location
	Alarm    *Alarm
}

// Batch is the codec output for one frame. Ack, when not empty, must be
// written back on the same transport before processing messages.
type Batch struct {
	Ack      []byte
	Messages []Message
}

// Codec decodes one canonicalized frame. Implementations are external to
// the gateway and injected at construction.
type Codec interface {
	Decode(frame []byte) (Batch, error)
}
