package telemetry

// Vendor status scales. Trackers report battery and signal as small
// integer codes; anything outside the documented range collapses to 0 so
// a firmware quirk never stores garbage.

// batteryTable: vendor voltage-level byte to stored level.
//
//	0  no power, about to shut down
//	1  extremely low
//	2  very low, low-power alert
//	3  low, normal use possible
//	4  medium
//	5  high
//	6  full
var batteryTable = map[uint8]int{0: 0, 1: 1, 2: 2, 3: 3, 4: 4, 5: 5, 6: 6}

// signalTable: vendor GSM signal byte to stored level.
//
//	0  no signal
//	1  extremely weak
//	2  weak
//	3  good
//	4  strong
var signalTable = map[uint8]int{0: 0, 1: 1, 2: 2, 3: 3, 4: 4}

func BatteryLevel(raw uint8) int { return batteryTable[raw] }
func SignalLevel(raw uint8) int  { return signalTable[raw] }

// alarmTable maps the 4 low bits of the vendor alarm code.
var alarmTable = map[uint8]string{
	1: "sos",
	2: "power_cut",
	3: "shock",
	4: "fence_in",
	5: "fence_out",
}

// AlarmType classifies a vendor alarm code; unknown subtypes are normal.
func AlarmType(code uint8) string {
	if t, ok := alarmTable[code&0x0f]; ok {
		return t
	}
	return "normal"
}
