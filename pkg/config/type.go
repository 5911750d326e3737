package config

type BridgeConfig struct {
	// DEBUG, INFO, WARNING, ERROR
	LogLevel string `toml:"loglevel"`

	Serial    SerialConfig    `toml:"serial"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	Publish   PublishConfig   `toml:"publish"`
	Discovery DiscoveryConfig `toml:"discovery"`
	API       APIConfig       `toml:"api"`
	Channels  []ChannelConfig `toml:"channel"`
}

type SerialConfig struct {
	Device   string `toml:"device"`
	Baudrate uint   `toml:"baudrate"`
	// S0PCM-2/S0PCM-5 default to 7 databits, even parity
	DataBits   uint `toml:"data_bits"`
	ParityEven bool `toml:"parity_even"`
	// Validate a !XXXX CRC16/ARC trailer on each record, for firmware
	// builds that append one. The stock firmware does not.
	CRCEnabled            bool `toml:"crc_enabled"`
	SilenceTimeoutSeconds int  `toml:"silence_timeout_seconds"`
}

type MQTTConfig struct {
	// eg tcp://192.168.1.1:1883
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	QOS      int    `toml:"qos"`
	// Readings queue here while the broker is unreachable; when full
	// the oldest message is dropped (totals are already persisted).
	QueueSize int `toml:"queue_size"`
	// Max messages per second, 0 for unlimited
	RateLimit int `toml:"rate_limit"`
}

type PublishConfig struct {
	TopicPrefix string `toml:"topic_prefix"`
	// Suppress readings whose delta is 0 (idle periods)
	SkipUnchanged bool `toml:"skip_unchanged"`
}

type DiscoveryConfig struct {
	Enabled bool `toml:"enabled"`
	// Discovery messages per hour; always one at startup/reconnect
	IntervalPerHour int  `toml:"interval_per_hour"`
	DeleteOnExit    bool `toml:"delete_on_exit"`
}

type APIConfig struct {
	ListenAddress string `toml:"listen_address"`
	// 0 disables the live HTTP/websocket API
	ListenPort int `toml:"listen_port"`
}

type ChannelConfig struct {
	// S0PCM input, eg M1
	ID string `toml:"id"`
	// Friendly name used in topics and payloads, eg water
	Name string `toml:"name"`
	// electricity, water or gas
	Kind          string `toml:"kind"`
	Unit          string `toml:"unit"`
	PulsesPerUnit int64  `toml:"pulses_per_unit"`
}
