package mqtt

import "github.com/nugget/suvfin/internal/buildinfo"

// DeviceInfo is the Home Assistant device registry block shared by
// every sensor this instance announces, so they group under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the retained discovery payload for one sensor.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo identifies the device by the persistent instance ID,
// which survives renames of device_name.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "SuvFin",
		Model:        "SuvFin WhatsApp Finance Assistant",
		SWVersion:    buildinfo.Version,
	}
}
