package mqtt

import "github.com/nugget/magdala/internal/buildinfo"

// DeviceInfo is the Home Assistant device registry block shared by
// every entity so they group under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// EntityConfig is the discovery payload for one entity. Sensors,
// binary sensors, and selects share it; fields a component does not
// use are omitted.
type EntityConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id"`
	HasEntityName     bool       `json:"has_entity_name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`

	// select
	CommandTopic string   `json:"command_topic,omitempty"`
	Options      []string `json:"options,omitempty"`

	// binary_sensor
	PayloadOn  string `json:"payload_on,omitempty"`
	PayloadOff string `json:"payload_off,omitempty"`
}

// NewDeviceInfo builds the device block. The instance ID is the stable
// identifier; the device name is what the HA UI shows.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Magdala",
		Model:        "Household Guardian",
		SWVersion:    buildinfo.Version,
	}
}
