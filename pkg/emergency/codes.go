package emergency

// Error codes. CoE reuses the CANopen emergency object wire format
// (ETG.1000.6), so the generic and communication-class codes carry over
// directly; the DS301/DS401-specific codes are dropped since they don't
// apply to an EtherCAT device profile.
const (
	ErrNoError          uint16 = 0x0000
	ErrGeneric          uint16 = 0x1000
	ErrCurrent          uint16 = 0x2000
	ErrCurrentInput     uint16 = 0x2100
	ErrCurrentInside    uint16 = 0x2200
	ErrCurrentOutput    uint16 = 0x2300
	ErrVoltage          uint16 = 0x3000
	ErrVoltageMains     uint16 = 0x3100
	ErrVoltageInside    uint16 = 0x3200
	ErrVoltageOutput    uint16 = 0x3300
	ErrTemperature      uint16 = 0x4000
	ErrTempAmbient      uint16 = 0x4100
	ErrTempDevice       uint16 = 0x4200
	ErrHardware         uint16 = 0x5000
	ErrSoftwareDevice   uint16 = 0x6000
	ErrSoftwareInternal uint16 = 0x6100
	ErrSoftwareUser     uint16 = 0x6200
	ErrDataSet          uint16 = 0x6300
	ErrAdditionalModul  uint16 = 0x7000
	ErrMonitoring       uint16 = 0x8000
	ErrCommunication    uint16 = 0x8100
	ErrProtocolError    uint16 = 0x8200
	ErrPdoLength        uint16 = 0x8210
	ErrPdoLengthExc     uint16 = 0x8220
	ErrSyncDataLength   uint16 = 0x8240
	ErrExternalError    uint16 = 0x9000
	ErrAdditionalFunc   uint16 = 0xF000
	ErrDeviceSpecific   uint16 = 0xFF00
)

var errorCodeDescription = map[uint16]string{
	ErrNoError:          "Reset or No Error",
	ErrGeneric:          "Generic Error",
	ErrCurrent:          "Current",
	ErrCurrentInput:     "Current, device input side",
	ErrCurrentInside:    "Current inside the device",
	ErrCurrentOutput:    "Current, device output side",
	ErrVoltage:          "Voltage",
	ErrVoltageMains:     "Mains Voltage",
	ErrVoltageInside:    "Voltage inside the device",
	ErrVoltageOutput:    "Output Voltage",
	ErrTemperature:      "Temperature",
	ErrTempAmbient:      "Ambient Temperature",
	ErrTempDevice:       "Device Temperature",
	ErrHardware:         "Device Hardware",
	ErrSoftwareDevice:   "Device Software",
	ErrSoftwareInternal: "Internal Software",
	ErrSoftwareUser:     "User Software",
	ErrDataSet:          "Data Set",
	ErrAdditionalModul:  "Additional Modules",
	ErrMonitoring:       "Monitoring",
	ErrCommunication:    "Communication",
	ErrProtocolError:    "Protocol Error",
	ErrPdoLength:        "PDO not processed due to length error",
	ErrPdoLengthExc:     "PDO length exceeded",
	ErrSyncDataLength:   "Unexpected SYNC data length",
	ErrExternalError:    "External Error",
	ErrAdditionalFunc:   "Additional Functions",
	ErrDeviceSpecific:   "Device specific",
}

// Error register bits (byte 0 of the emergency object).
const (
	ErrRegGeneric       uint8 = 0x01
	ErrRegCurrent       uint8 = 0x02
	ErrRegVoltage       uint8 = 0x04
	ErrRegTemperature   uint8 = 0x08
	ErrRegCommunication uint8 = 0x10
	ErrRegDevProfile    uint8 = 0x20
	ErrRegReserved      uint8 = 0x40
	ErrRegManufacturer  uint8 = 0x80
)

// Describe returns a human-readable description of an emergency error code,
// falling back to a generic label for anything outside the known table.
func Describe(code uint16) string {
	if d, ok := errorCodeDescription[code]; ok {
		return d
	}
	return "Device specific or unrecognized error code"
}
