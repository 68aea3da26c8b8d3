package telescope_simulator

import (
	"time"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

// Standard vector and element names used by the simulated mount.
const (
	vecConnection     = "CONNECTION"
	vecConnectionMode = "CONNECTION_MODE"
	vecDeviceAddress  = "DEVICE_ADDRESS"
	vecDriverInfo     = "DRIVER_INFO"
	vecConfigProcess  = "CONFIG_PROCESS"
	vecCoordSet       = "ON_COORD_SET"
	vecAbort          = "TELESCOPE_ABORT_MOTION"
	vecPark           = "TELESCOPE_PARK"
	vecParkPosition   = "TELESCOPE_PARK_POSITION"
	vecParkOption     = "TELESCOPE_PARK_OPTION"
	vecGeographic     = "GEOGRAPHIC_COORD"
	vecTimeUTC        = "TIME_UTC"
	vecTrackState     = "TELESCOPE_TRACK_STATE"
	vecSlewRate       = "TELESCOPE_SLEW_RATE"
	vecMotionNS       = "TELESCOPE_MOTION_NS"
	vecMotionWE       = "TELESCOPE_MOTION_WE"
)

func switchVector(device, name, group string, rule indi.SwitchRule, on string, elements ...string) indi.Vector {
	v := indi.Vector{
		Device: device,
		Name:   name,
		Group:  group,
		Kind:   indi.KindSwitch,
		Perm:   indi.PermReadWrite,
		Rule:   rule,
		State:  indi.StateIdle,
	}
	for _, e := range elements {
		v.Elements = append(v.Elements, indi.Element{Name: e, Switch: e == on})
	}
	return v
}

func numberVector(device, name, group string, elements ...indi.Element) indi.Vector {
	return indi.Vector{
		Device:   device,
		Name:     name,
		Group:    group,
		Kind:     indi.KindNumber,
		Perm:     indi.PermReadWrite,
		State:    indi.StateIdle,
		Elements: elements,
	}
}

func textVector(device, name, group string, perm indi.Permission, elements ...indi.Element) indi.Vector {
	return indi.Vector{
		Device:   device,
		Name:     name,
		Group:    group,
		Kind:     indi.KindText,
		Perm:     perm,
		State:    indi.StateIdle,
		Elements: elements,
	}
}

// baseVectors are defined as soon as the driver is loaded.
func (d *Device) baseVectors() []indi.Vector {
	name := d.opts.DeviceName
	vectors := []indi.Vector{
		switchVector(name, vecConnection, "Main Control", indi.RuleOneOfMany, "DISCONNECT", "CONNECT", "DISCONNECT"),
		textVector(name, vecDriverInfo, "General Info", indi.PermReadOnly,
			indi.Element{Name: "DRIVER_NAME", Text: name},
			indi.Element{Name: "DRIVER_EXEC", Text: "indi_simulator_telescope"},
			indi.Element{Name: "DRIVER_VERSION", Text: driverVersion},
			indi.Element{Name: "DRIVER_INTERFACE", Text: "5"},
		),
		switchVector(name, vecConfigProcess, "Options", indi.RuleAtMostOne, "",
			"CONFIG_LOAD", "CONFIG_SAVE", "CONFIG_DEFAULT", "CONFIG_PURGE"),
	}

	if d.opts.ConnectionMode {
		address := textVector(name, vecDeviceAddress, "Connection", indi.PermReadWrite,
			indi.Element{Name: "ADDRESS"},
			indi.Element{Name: "PORT"},
		)
		if d.opts.NumericAddress {
			address = numberVector(name, vecDeviceAddress, "Connection",
				indi.Element{Name: "ADDRESS"},
				indi.Element{Name: "PORT"},
			)
		}
		vectors = append(vectors,
			switchVector(name, vecConnectionMode, "Connection", indi.RuleOneOfMany, "CONNECTION_SERIAL",
				"CONNECTION_SERIAL", "CONNECTION_TCP"),
			address,
		)
	}
	return vectors
}

// mountVectors are defined once the driver is connected.
func (d *Device) mountVectors() []indi.Vector {
	name := d.opts.DeviceName

	park := switchVector(name, vecPark, "Site Management", indi.RuleOneOfMany, "UNPARK", "PARK", "UNPARK")
	park.State = indi.StateOk

	var parkPos indi.Vector
	if d.opts.ParkFrame == mount.FrameHorizontal {
		parkPos = numberVector(name, vecParkPosition, "Site Management",
			indi.Element{Name: "PARK_AZ", Number: d.parkPosition.Axis1},
			indi.Element{Name: "PARK_ALT", Number: d.parkPosition.Axis2},
		)
	} else {
		parkPos = numberVector(name, vecParkPosition, "Site Management",
			indi.Element{Name: "PARK_RA", Number: d.parkPosition.Axis1},
			indi.Element{Name: "PARK_DEC", Number: d.parkPosition.Axis2},
		)
	}

	vectors := []indi.Vector{
		switchVector(name, vecCoordSet, "Main Control", indi.RuleOneOfMany, "TRACK", "TRACK", "SLEW", "SYNC"),
		switchVector(name, vecAbort, "Main Control", indi.RuleAtMostOne, "", "ABORT"),
		park,
		parkPos,
		switchVector(name, vecParkOption, "Site Management", indi.RuleAtMostOne, "",
			"PARK_CURRENT", "PARK_DEFAULT", "PARK_WRITE_DATA", "PARK_PURGE_DATA"),
		numberVector(name, vecGeographic, "Site Management",
			indi.Element{Name: "LAT", Number: d.opts.Site.Latitude},
			indi.Element{Name: "LONG", Number: d.opts.Site.Longitude},
			indi.Element{Name: "ELEV", Number: d.opts.Site.Elevation},
		),
		textVector(name, vecTimeUTC, "Site Management", indi.PermReadWrite,
			indi.Element{Name: "UTC", Text: time.Now().UTC().Format(mount.UTCLayout)},
			indi.Element{Name: "OFFSET", Text: "0.00"},
		),
		switchVector(name, vecTrackState, "Main Control", indi.RuleOneOfMany, "TRACK_OFF", "TRACK_ON", "TRACK_OFF"),
		switchVector(name, vecSlewRate, "Motion Control", indi.RuleOneOfMany, "SLEW_MAX",
			"SLEW_GUIDE", "SLEW_CENTERING", "SLEW_FIND", "SLEW_MAX"),
		switchVector(name, vecMotionNS, "Motion Control", indi.RuleAtMostOne, "", "MOTION_NORTH", "MOTION_SOUTH"),
		switchVector(name, vecMotionWE, "Motion Control", indi.RuleAtMostOne, "", "MOTION_WEST", "MOTION_EAST"),
	}

	if !d.opts.WithoutCoordinates {
		coord := numberVector(name, d.opts.CoordVector, "Main Control",
			indi.Element{Name: "RA", Number: d.position.RA},
			indi.Element{Name: "DEC", Number: d.position.Dec},
		)
		coord.State = indi.StateOk
		vectors = append([]indi.Vector{coord}, vectors...)
	}

	for i := range vectors {
		vectors[i].Timestamp = time.Now().UTC()
	}
	return vectors
}
