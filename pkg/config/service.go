package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/meterworks/s0pcm-bridge/pkg/pathing"
	"github.com/meterworks/s0pcm-bridge/pkg/types"
)

var ActiveBridgeConfig *BridgeConfig

func defaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		LogLevel: "INFO",
		Serial: SerialConfig{
			Device:                "/dev/ttyACM0",
			Baudrate:              9600,
			DataBits:              7,
			ParityEven:            true,
			CRCEnabled:            false,
			SilenceTimeoutSeconds: 60,
		},
		MQTT: MQTTConfig{
			Broker:    "tcp://192.168.1.1:1883",
			ClientID:  "s0pcm-bridge",
			Username:  "username",
			Password:  "password",
			QOS:       1,
			QueueSize: 1000,
			RateLimit: 100,
		},
		Publish: PublishConfig{
			TopicPrefix:   "s0pcm",
			SkipUnchanged: false,
		},
		Discovery: DiscoveryConfig{
			Enabled:         true,
			IntervalPerHour: 12,
			DeleteOnExit:    false,
		},
		API: APIConfig{
			ListenAddress: "0.0.0.0",
			ListenPort:    0,
		},
		Channels: []ChannelConfig{
			{ID: "M1", Name: "jacuzzi", Kind: "electricity", Unit: "Wh", PulsesPerUnit: 1},
			{ID: "M3", Name: "water", Kind: "water", Unit: "L", PulsesPerUnit: 1},
		},
	}
}

func LoadBridgeConfig() error {
	return LoadBridgeConfigFrom(filepath.Join(pathing.GetConfigDir(), "s0pcm-bridge.toml"))
}

func LoadBridgeConfigFrom(configPath string) error {
	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := defaultBridgeConfig()
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		ActiveBridgeConfig = cfg
		return nil
	}

	// Load existing config
	var config BridgeConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	ActiveBridgeConfig = &config
	return nil
}

// ChannelList validates the channel table and converts it to the
// runtime model. Raw channels absent from this list never leave the
// parser.
func (c *BridgeConfig) ChannelList() ([]types.Channel, error) {
	if len(c.Channels) == 0 {
		return nil, fmt.Errorf("no channels configured")
	}

	seen := make(map[string]bool)
	channels := make([]types.Channel, 0, len(c.Channels))
	for _, cc := range c.Channels {
		if cc.ID == "" || cc.Name == "" {
			return nil, fmt.Errorf("channel needs both id and name: %+v", cc)
		}
		if seen[cc.ID] {
			return nil, fmt.Errorf("duplicate channel id %s", cc.ID)
		}
		seen[cc.ID] = true

		kind := types.ChannelKind(cc.Kind)
		switch kind {
		case types.KindElectricity, types.KindWater, types.KindGas:
		default:
			return nil, fmt.Errorf("channel %s: unknown kind %q", cc.ID, cc.Kind)
		}
		if cc.PulsesPerUnit <= 0 {
			return nil, fmt.Errorf("channel %s: pulses_per_unit must be > 0", cc.ID)
		}

		channels = append(channels, types.Channel{
			ID:            cc.ID,
			Name:          cc.Name,
			Kind:          kind,
			Unit:          cc.Unit,
			PulsesPerUnit: cc.PulsesPerUnit,
		})
	}
	return channels, nil
}

func (c *SerialConfig) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutSeconds) * time.Second
}
