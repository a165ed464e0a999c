// Package wire implements the record framing shared by the host link: every
// record starts with a header byte whose low nibble is the source id and whose
// high nibble belongs to that source. Records carry no length field; each
// source's size is fully determined by its header (and id field for CAN).
package wire

// UplinkID identifies the source of a device→host record.
type UplinkID uint8

const (
	UplinkControl UplinkID = 0
	UplinkGPIO    UplinkID = 1
	UplinkCAN1    UplinkID = 2
	UplinkCAN2    UplinkID = 3
	UplinkCAN3    UplinkID = 4
	UplinkUART1   UplinkID = 5
	UplinkUART2   UplinkID = 6
	UplinkUART3   UplinkID = 7
	UplinkUART4   UplinkID = 8
	UplinkUART5   UplinkID = 9
	UplinkUART6   UplinkID = 10
	UplinkSensor  UplinkID = 11
)

// DownlinkID identifies the target of a host→device record.
type DownlinkID uint8

const (
	DownlinkControl DownlinkID = 0
	DownlinkGPIO    DownlinkID = 1
	DownlinkCAN1    DownlinkID = 2
	DownlinkCAN2    DownlinkID = 3
	DownlinkCAN3    DownlinkID = 4
	DownlinkUART1   DownlinkID = 5
	DownlinkUART2   DownlinkID = 6
	DownlinkUART3   DownlinkID = 7
	DownlinkUART4   DownlinkID = 8
	DownlinkUART5   DownlinkID = 9
	DownlinkUART6   DownlinkID = 10
	DownlinkLED     DownlinkID = 11
	DownlinkBuzzer  DownlinkID = 12
)

// idMask selects the source id nibble of a header byte.
const idMask = 0x0F

// CANChannels is the number of CAN controllers addressable on the wire.
const CANChannels = 3

// UplinkCAN returns the uplink id of CAN channel ch (0-based).
func UplinkCAN(ch int) UplinkID { return UplinkCAN1 + UplinkID(ch) }

// DownlinkCAN returns the downlink id of CAN channel ch (0-based).
func DownlinkCAN(ch int) DownlinkID { return DownlinkCAN1 + DownlinkID(ch) }

var downlinkNames = [...]string{
	"control", "gpio", "can1", "can2", "can3",
	"uart1", "uart2", "uart3", "uart4", "uart5", "uart6",
	"led", "buzzer",
}

func (id DownlinkID) String() string {
	if int(id) < len(downlinkNames) {
		return downlinkNames[id]
	}
	return "unknown"
}

var uplinkNames = [...]string{
	"control", "gpio", "can1", "can2", "can3",
	"uart1", "uart2", "uart3", "uart4", "uart5", "uart6",
	"sensor",
}

func (id UplinkID) String() string {
	if int(id) < len(uplinkNames) {
		return uplinkNames[id]
	}
	return "unknown"
}
