// Package registerdata supplies the built-in register descriptor table:
// the mnemonic set a fleet talks about before any vendor override file is
// loaded. Values are grounded directly in the vendor's published register
// map (SPDM 2.51) and cover identification, configuration, system status,
// reset, settings, and the input/output measurement groups.
package registerdata

import "github.com/sbfleet/pdufleet/internal/registry"

// Descriptors is the built-in register table. Callers pass it to
// registry.LoadDefault at process startup, before any Communicator is
// constructed.
var Descriptors = []registry.Descriptor{
	{Mnemonic: "idspdm", Start: 100, Length: 2, Repeats: 1, Type: registry.TypeINT, Group: "identification",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "SPDMVersion", Description: "Data model version"},
	{Mnemonic: "idfwvs", Start: 102, Length: 2, Repeats: 1, Type: registry.TypeINT, Group: "identification",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "firmwareVersion", Description: "Firmware version number"},
	{Mnemonic: "idonbr", Start: 104, Length: 16, Repeats: 1, Type: registry.TypeASCII, Group: "identification",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, WriteAccessLevel: registry.AccessSuper,
		Name: "salesOrderNumber"},
	{Mnemonic: "idpart", Start: 120, Length: 16, Repeats: 1, Type: registry.TypeASCII, Group: "identification",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, WriteAccessLevel: registry.AccessSuper,
		Name: "productId"},
	{Mnemonic: "idsnbr", Start: 136, Length: 16, Repeats: 1, Type: registry.TypeASCII, Group: "identification",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, WriteAccessLevel: registry.AccessSuper,
		Name: "serialNumber"},
	{Mnemonic: "idchip", Start: 152, Length: 2, Repeats: 3, Type: registry.TypeINT, Group: "identification",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "hardwareAddress",
		Description: "Hardware serial number, 3-tuple formatted as int-int-int"},
	{Mnemonic: "idaddr", Start: 158, Length: 2, Repeats: 1, Type: registry.TypeINT, Group: "identification",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoAll}, WriteAccessLevel: registry.AccessAdmin,
		Name: "unitAddress", Description: "User defined bus address used for addressing the unit"},
	{Mnemonic: "idfwbd", Start: 160, Length: 12, Repeats: 1, Type: registry.TypeASCII, Group: "identification", AddedInFW: 124,
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "buildNumber"},
	{Mnemonic: "idmaca", Start: 172, Length: 6, Repeats: 1, Type: registry.TypeASCII, Group: "identification", AddedInFW: 126,
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "macAddress"},
	{Mnemonic: "idspdt", Start: 178, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "identification", AddedInFW: 130,
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "deviceType",
		Description: "0 PDU, 1 DPM, 2 PDUG3, 3 DPM27/e"},

	{Mnemonic: "cfnrph", Start: 200, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "configuration",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, WriteAccessLevel: registry.AccessSuper,
		Name: "nrPhases"},
	{Mnemonic: "cfnrno", Start: 201, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "configuration",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, WriteAccessLevel: registry.AccessSuper,
		Name: "nrOutletsTotal"},
	{Mnemonic: "cfnrso", Start: 202, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "configuration",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, WriteAccessLevel: registry.AccessSuper,
		Name: "nrSwitchedOutl"},
	{Mnemonic: "cfamps", Start: 204, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "configuration",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, WriteAccessLevel: registry.AccessSuper,
		Name: "maximumLoad"},

	{Mnemonic: "ssstat", Start: 300, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "system_status",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "deviceStatusCode"},
	{Mnemonic: "ssttri", Start: 301, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "system_status",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "temperatureAlert"},
	{Mnemonic: "ssotri", Start: 303, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "system_status",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "outputCurrentAlert"},

	{Mnemonic: "rsboot", Start: 400, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "reset",
		WritableBy: []registry.Protocol{registry.ProtoAll}, WriteAccessLevel: registry.AccessUser,
		Name: "rebootDevice", Description: "Writing 1 invokes a warm restart; outlet status is unaffected"},
	{Mnemonic: "rsalrt", Start: 401, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "reset",
		WritableBy: []registry.Protocol{registry.ProtoAll}, WriteAccessLevel: registry.AccessUser,
		Name: "resetAlerts"},
	{Mnemonic: "rspval", Start: 430, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "reset",
		WritableBy: []registry.Protocol{registry.ProtoAll}, WriteAccessLevel: registry.AccessUser,
		Name: "resetPeakValues"},

	{Mnemonic: "stdvnm", Start: 1000, Length: 16, Repeats: 1, Type: registry.TypeASCII, Group: "settings",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoAll}, WriteAccessLevel: registry.AccessAdmin,
		Name: "deviceName"},
	{Mnemonic: "stdvlc", Start: 1016, Length: 16, Repeats: 1, Type: registry.TypeASCII, Group: "settings",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoAll}, WriteAccessLevel: registry.AccessAdmin,
		Name: "deviceLocation"},
	{Mnemonic: "stopom", Start: 1059, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "settings",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoBFP}, WriteAccessLevel: registry.AccessPower,
		Name: "outletPowerupMode"},

	{Mnemonic: "impfac", Start: 3018, Length: 2, Repeats: 3, Type: registry.TypeFD, Group: "input_measures",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "inputPowerFactor"},
	{Mnemonic: "imcrac", Start: 3024, Length: 2, Repeats: 3, Type: registry.TypeFD, Group: "input_measures",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "inputActualCurrent"},
	{Mnemonic: "imvoac", Start: 3036, Length: 2, Repeats: 3, Type: registry.TypeFD, Group: "input_measures",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "inputActualVoltage"},

	{Mnemonic: "ompfac", Start: 4162, Length: 2, Repeats: 27, Extension: true, Type: registry.TypeFD, Group: "output_measures",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "outputPowerFactor"},
	{Mnemonic: "omcrac", Start: 4216, Length: 2, Repeats: 27, Extension: true, Type: registry.TypeFD, Group: "output_measures",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "outputActualCurrent"},
	{Mnemonic: "omvoac", Start: 4324, Length: 2, Repeats: 27, Extension: true, Type: registry.TypeFD, Group: "output_measures",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "outputActualVoltage",
		Description: "Actual output voltage; may differ from input metering by up to 2%"},

	{Mnemonic: "viwatt", Start: 9000, Length: 2, Repeats: 3, Type: registry.TypeFD, Group: "virtual",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "virtualInputWatt"},
	{Mnemonic: "vowatt", Start: 9012, Length: 2, Repeats: 48, Type: registry.TypeFD, Group: "virtual",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "virtualOutputWatt"},

	// Gateway-only registers: exposed through device.Variant.CanReach's
	// gateway allowlist regardless of their protocol set here.
	{Mnemonic: "ring_status", Start: 500, Length: 1, Repeats: 1, Type: registry.TypeINT, Group: "gateway",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "ringStatus"},
	{Mnemonic: "ring_break_index", Start: 501, Length: 2, Repeats: 1, Type: registry.TypeINT, Group: "gateway",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "ringBreakIndex"},
	{Mnemonic: "firmware_version", Start: 502, Length: 2, Repeats: 1, Type: registry.TypeINT, Group: "gateway",
		ReadableBy: []registry.Protocol{registry.ProtoAll}, Name: "gatewayFirmwareVersion"},
}
