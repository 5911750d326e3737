// s0pcm-bridge reads the pulse counters of a S0PCM-2 or S0PCM-5 over
// serial and publishes per-channel deltas and cumulative totals via
// MQTT, with Home Assistant auto-discovery.
package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meterworks/s0pcm-bridge/pkg/config"
	"github.com/meterworks/s0pcm-bridge/pkg/hadiscovery"
	"github.com/meterworks/s0pcm-bridge/pkg/linkmonitor"
	"github.com/meterworks/s0pcm-bridge/pkg/live"
	"github.com/meterworks/s0pcm-bridge/pkg/mqttpub"
	"github.com/meterworks/s0pcm-bridge/pkg/pathing"
	"github.com/meterworks/s0pcm-bridge/pkg/port_reader"
	"github.com/meterworks/s0pcm-bridge/pkg/reconcile"
	"github.com/meterworks/s0pcm-bridge/pkg/totalsdb"
	"github.com/meterworks/s0pcm-bridge/pkg/types"
	log "github.com/sirupsen/logrus"
)

const version = "1.2.0"

func main() {
	// Exit code must be accurate: 0 only on a clean shutdown with all
	// totals flushed, non-zero on transport or persistence failure.
	os.Exit(run())
}

func run() int {
	if err := config.LoadBridgeConfig(); err != nil {
		log.Errorf("Failed to load config: %v", err)
		return 1
	}
	cfg := config.ActiveBridgeConfig
	setupLogging(cfg.LogLevel)

	log.Infof("Starting s0pcm-bridge %s", version)

	channels, err := cfg.ChannelList()
	if err != nil {
		log.Errorf("Invalid channel configuration: %v", err)
		return 1
	}

	if err := pathing.EnsureDirs(); err != nil {
		log.Errorf("Cannot create data directory: %v", err)
		return 1
	}
	store, err := totalsdb.Open(pathing.GetTotalsDbPath())
	if err != nil {
		log.Errorf("Cannot open totals database: %v", err)
		return 1
	}
	defer store.Close()

	prefix := cfg.Publish.TopicPrefix
	pub := mqttpub.NewPublisher(mqttpub.Options{
		Broker:            cfg.MQTT.Broker,
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		QOS:               byte(cfg.MQTT.QOS),
		QueueSize:         cfg.MQTT.QueueSize,
		RateLimit:         cfg.MQTT.RateLimit,
		AvailabilityTopic: prefix + "/status",
	})

	engine := reconcile.NewEngine(channels, store, cfg.Publish.SkipUnchanged)
	if err := engine.LoadTotals(); err != nil {
		log.Errorf("Cannot seed totals: %v", err)
		return 1
	}

	var liveSrv *live.Server
	if cfg.API.ListenPort > 0 {
		liveSrv = live.NewServer(cfg.API.ListenAddress, cfg.API.ListenPort)
		liveSrv.Start()
	}

	stop := make(chan struct{})
	disc := hadiscovery.New(prefix, version, cfg.Discovery.IntervalPerHour, channels, pub.Publish)
	if cfg.Discovery.Enabled {
		pub.OnConnect(disc.PublishAll)
		go disc.Run(stop)
	}

	pub.Start()
	pub.Publish(prefix+"/sw-version", version, true)

	monitor := linkmonitor.New(cfg.Serial.SilenceTimeout(),
		func(t time.Time) {
			log.Info("Serial link up")
			pub.SetAvailability(true)
			if err := store.InsertLinkEvent(types.LinkConnected.String(), t); err != nil {
				log.Warnf("Cannot record link event: %v", err)
			}
		},
		func(t time.Time) {
			log.Warn("Serial link down")
			pub.SetAvailability(false)
			engine.MarkLinkDown()
			if err := store.InsertLinkEvent(types.LinkDisconnected.String(), t); err != nil {
				log.Warnf("Cannot record link event: %v", err)
			}
		})
	go monitor.Run(stop)

	fatalCh := make(chan error, 1)
	reader := port_reader.NewS0Reader(port_reader.Options{
		Device:     cfg.Serial.Device,
		Baudrate:   cfg.Serial.Baudrate,
		DataBits:   cfg.Serial.DataBits,
		ParityEven: cfg.Serial.ParityEven,
		CRCEnabled: cfg.Serial.CRCEnabled,
	}, channels)

	reader.StartReading(
		func(telegram *types.Telegram) {
			monitor.Activity(telegram.Timestamp)

			readings := engine.HandleTelegram(telegram)
			for _, r := range readings {
				pub.PublishReading(prefix, r)
				if liveSrv != nil {
					liveSrv.Update(r)
				}
			}
			if len(readings) > 0 {
				pub.Publish(prefix, telegramJSON(telegram, readings), false)
			}
		},
		func(err error) {
			select {
			case fatalCh <- err:
			default:
			}
		},
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Infof("Signal %v received, shutting down", sig)
	case err := <-fatalCh:
		log.Errorf("Serial transport failed: %v", err)
		monitor.HardError(time.Now())
		exitCode = 1
	}

	reader.StopReading()
	close(stop)

	if cfg.Discovery.Enabled && cfg.Discovery.DeleteOnExit {
		disc.DeleteAll()
	}

	if err := engine.FlushTotals(); err != nil {
		log.Errorf("Flushing totals failed: %v", err)
		exitCode = 1
	}
	if engine.HasUnrecoveredPersistError() {
		exitCode = 1
	}

	pub.SetAvailability(false)
	if err := pub.Stop(3 * time.Second); err != nil {
		// unpublished messages are acceptable; totals are durable
		log.Warnf("MQTT shutdown: %v", err)
	}

	log.Infof("Exitcode = %d", exitCode)
	return exitCode
}

// telegramJSON is the combined per-telegram payload published on the
// topic prefix: timestamp, telegram counter, device serial and the
// running total per configured channel (friendly names as keys).
func telegramJSON(t *types.Telegram, readings []types.Reading) string {
	values := map[string]interface{}{
		"timestamp": t.Timestamp.Unix(),
		"counter":   t.Counter,
		"serial":    t.DeviceID,
	}
	for _, r := range readings {
		values[r.Channel.Name] = r.Total.String()
	}

	payload, err := json.Marshal(values)
	if err != nil {
		log.Errorf("Cannot marshal telegram payload: %v", err)
		return "{}"
	}
	return string(payload)
}

func setupLogging(level string) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
