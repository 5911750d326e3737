// Package hadiscovery publishes the retained Home Assistant MQTT
// auto-discovery configs for the bridge device and every configured
// channel.
//
// https://www.home-assistant.io/docs/mqtt/discovery/
package hadiscovery

import (
	"encoding/json"
	"time"

	"github.com/meterworks/s0pcm-bridge/pkg/types"
	log "github.com/sirupsen/logrus"
)

type sensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	Device            deviceInfo `json:"device"`
}

type deviceInfo struct {
	Name         string   `json:"name,omitempty"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Identifiers  []string `json:"identifiers"`
}

type entry struct {
	topic   string
	payload string
}

type Discovery struct {
	prefix   string
	version  string
	interval time.Duration
	publish  func(topic, payload string, retain bool)
	entries  []entry
}

// New builds the discovery set. publish is the broker boundary,
// typically Publisher.Publish.
func New(prefix, version string, intervalPerHour int, channels []types.Channel, publish func(topic, payload string, retain bool)) *Discovery {
	if intervalPerHour <= 0 {
		intervalPerHour = 12
	}
	d := &Discovery{
		prefix:   prefix,
		version:  version,
		interval: time.Hour / time.Duration(intervalPerHour),
		publish:  publish,
	}
	d.build(channels)
	return d
}

func (d *Discovery) build(channels []types.Channel) {
	device := deviceInfo{
		Name:         "s0pcm",
		Model:        "s0pcm/s0pcm-bridge",
		Manufacturer: "smartmeterdashboard.nl",
		SWVersion:    d.version,
		Identifiers:  []string{"s0pcm"},
	}

	d.add("bridge", sensorConfig{
		Name:       "s0pcm",
		UniqueID:   "s0pcm-bridge",
		StateTopic: d.prefix + "/status",
		Icon:       "mdi:home-automation",
		Device:     device,
	})

	ref := deviceInfo{Identifiers: []string{"s0pcm"}}
	for _, c := range channels {
		d.add(c.Name, sensorConfig{
			Name:              c.Name + " total",
			UniqueID:          "s0pcm-" + c.Name,
			StateTopic:        d.prefix + "/" + c.Name + "/total",
			UnitOfMeasurement: c.Unit,
			DeviceClass:       deviceClass(c.Kind),
			StateClass:        "total",
			Icon:              "mdi:counter",
			Device:            ref,
		})
	}
}

func (d *Discovery) add(uniqueID string, cfg sensorConfig) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		log.Errorf("Cannot marshal discovery config for %s: %v", uniqueID, err)
		return
	}
	d.entries = append(d.entries, entry{
		topic:   "homeassistant/sensor/" + d.prefix + "/" + uniqueID + "/config",
		payload: string(payload),
	})
}

// PublishAll sends every discovery config, retained. Hooked to broker
// reconnects so a restarted broker re-learns the sensors.
func (d *Discovery) PublishAll() {
	for _, e := range d.entries {
		d.publish(e.topic, e.payload, true)
	}
}

// DeleteAll clears the retained configs (empty payload removes a
// discovered entity).
func (d *Discovery) DeleteAll() {
	for _, e := range d.entries {
		d.publish(e.topic, "", true)
	}
}

// Run republishes on the configured interval until stop is closed.
// Always publishes once immediately.
func (d *Discovery) Run(stop <-chan struct{}) {
	d.PublishAll()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.PublishAll()
		}
	}
}

func deviceClass(kind types.ChannelKind) string {
	switch kind {
	case types.KindElectricity:
		return "energy"
	case types.KindWater:
		return "water"
	case types.KindGas:
		return "gas"
	}
	return ""
}
