package hadiscovery

import (
	"encoding/json"
	"testing"

	"github.com/meterworks/s0pcm-bridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	payload string
	retain  bool
}

func capture() (*[]published, func(string, string, bool)) {
	var msgs []published
	return &msgs, func(topic, payload string, retain bool) {
		msgs = append(msgs, published{topic, payload, retain})
	}
}

func testChannels() []types.Channel {
	return []types.Channel{
		{ID: "M1", Name: "jacuzzi", Kind: types.KindElectricity, Unit: "Wh", PulsesPerUnit: 1},
		{ID: "M3", Name: "water", Kind: types.KindWater, Unit: "L", PulsesPerUnit: 1},
	}
}

func TestDiscovery(t *testing.T) {
	t.Run("publishes one retained config per channel plus the device", func(t *testing.T) {
		msgs, publish := capture()
		d := New("s0pcm", "1.2.0", 12, testChannels(), publish)
		d.PublishAll()

		require.Len(t, *msgs, 3)
		topics := make([]string, 0, 3)
		for _, m := range *msgs {
			assert.True(t, m.retain, "discovery configs must be retained")
			topics = append(topics, m.topic)
		}
		assert.Contains(t, topics, "homeassistant/sensor/s0pcm/bridge/config")
		assert.Contains(t, topics, "homeassistant/sensor/s0pcm/jacuzzi/config")
		assert.Contains(t, topics, "homeassistant/sensor/s0pcm/water/config")
	})

	t.Run("channel payload matches the discovery schema", func(t *testing.T) {
		msgs, publish := capture()
		New("s0pcm", "1.2.0", 12, testChannels(), publish).PublishAll()

		var water map[string]interface{}
		for _, m := range *msgs {
			if m.topic == "homeassistant/sensor/s0pcm/water/config" {
				require.NoError(t, json.Unmarshal([]byte(m.payload), &water))
			}
		}
		require.NotNil(t, water)

		assert.Equal(t, "water total", water["name"])
		assert.Equal(t, "s0pcm-water", water["unique_id"])
		assert.Equal(t, "s0pcm/water/total", water["state_topic"])
		assert.Equal(t, "L", water["unit_of_measurement"])
		assert.Equal(t, "water", water["device_class"])
		assert.Equal(t, "total", water["state_class"])

		device, ok := water["device"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, []interface{}{"s0pcm"}, device["identifiers"])
	})

	t.Run("device payload carries the software version", func(t *testing.T) {
		msgs, publish := capture()
		New("s0pcm", "1.2.0", 12, testChannels(), publish).PublishAll()

		var bridge map[string]interface{}
		for _, m := range *msgs {
			if m.topic == "homeassistant/sensor/s0pcm/bridge/config" {
				require.NoError(t, json.Unmarshal([]byte(m.payload), &bridge))
			}
		}
		require.NotNil(t, bridge)
		device := bridge["device"].(map[string]interface{})
		assert.Equal(t, "1.2.0", device["sw_version"])
		assert.Equal(t, "s0pcm/status", bridge["state_topic"])
	})

	t.Run("delete clears every retained config", func(t *testing.T) {
		msgs, publish := capture()
		d := New("s0pcm", "1.2.0", 12, testChannels(), publish)
		d.DeleteAll()

		require.Len(t, *msgs, 3)
		for _, m := range *msgs {
			assert.Empty(t, m.payload)
			assert.True(t, m.retain)
		}
	})
}
