//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"vocleair/internal/speed"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/fan/vocleair_fan/fan/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is the HA discovery payload shared by the fan and sensor
// entities.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`

	// fan only
	CommandTopic            string   `json:"command_topic,omitempty"`
	StateValueTemplate      string   `json:"state_value_template,omitempty"`
	PayloadOn               string   `json:"payload_on,omitempty"`
	PayloadOff              string   `json:"payload_off,omitempty"`
	PercentageStateTopic    string   `json:"percentage_state_topic,omitempty"`
	PercentageValueTemplate string   `json:"percentage_value_template,omitempty"`
	PercentageCommandTopic  string   `json:"percentage_command_topic,omitempty"`
	PresetModeStateTopic    string   `json:"preset_mode_state_topic,omitempty"`
	PresetModeValueTemplate string   `json:"preset_mode_value_template,omitempty"`
	PresetModeCommandTopic  string   `json:"preset_mode_command_topic,omitempty"`
	PresetModes             []string `json:"preset_modes,omitempty"`
	SpeedRangeMin           int      `json:"speed_range_min,omitempty"`
	SpeedRangeMax           int      `json:"speed_range_max,omitempty"`
}

// topics holds the bridge's MQTT topic layout under a prefix.
type topics struct {
	availability string
	state        string
	command      string
	percentage   string
	preset       string
}

func newTopics(prefix string) topics {
	return topics{
		availability: prefix + "/bridge/state",
		state:        prefix + "/fan",
		command:      prefix + "/fan/set",
		percentage:   prefix + "/fan/percentage/set",
		preset:       prefix + "/fan/preset/set",
	}
}

// nodeIdentifier returns the unique identifier for the HA device registry.
func nodeIdentifier(nodeID string) string {
	return "vocleair_" + nodeID
}

// buildDiscovery generates HA discovery messages for the fan and its
// configuration status sensor.
func buildDiscovery(nodeID string, t topics, version string) []discoveryMsg {
	node := nodeIdentifier(nodeID)
	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "Vocleair",
		Model:        "WiFi fan",
		Name:         "Vocleair " + nodeID,
		SWVersion:    version,
	}

	presets := make([]string, len(speed.Presets))
	for i, p := range speed.Presets {
		presets[i] = string(p)
	}

	fan := haDiscovery{
		Name:                    haDev.Name,
		UniqueID:                node + "_fan",
		StateTopic:              t.state,
		StateValueTemplate:      "{{ value_json.state }}",
		CommandTopic:            t.command,
		PayloadOn:               "ON",
		PayloadOff:              "OFF",
		PercentageStateTopic:    t.state,
		PercentageValueTemplate: "{{ value_json.percentage }}",
		PercentageCommandTopic:  t.percentage,
		PresetModeStateTopic:    t.state,
		PresetModeValueTemplate: "{{ value_json.preset }}",
		PresetModeCommandTopic:  t.preset,
		PresetModes:             presets,
		SpeedRangeMin:           1,
		SpeedRangeMax:           100,
		AvailabilityTopic:       t.availability,
		Device:                  haDev,
	}

	status := haDiscovery{
		Name:              haDev.Name + " Status",
		UniqueID:          node + "_status",
		StateTopic:        t.state,
		ValueTemplate:     "{{ value_json.status }}",
		AvailabilityTopic: t.availability,
		Icon:              "mdi:wifi-cog",
		Device:            haDev,
	}

	return []discoveryMsg{
		{Topic: fmt.Sprintf("homeassistant/fan/%s/fan/config", node), Payload: mustJSON(fan)},
		{Topic: fmt.Sprintf("homeassistant/sensor/%s/status/config", node), Payload: mustJSON(status)},
	}
}
