package port_reader

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/meterworks/s0pcm-bridge/pkg/types"
	"github.com/sigurn/crc16"
	log "github.com/sirupsen/logrus"
)

// Data record, S0PCM-2 and S0PCM-5 alike:
// ID:21434:I:10:M1:0:104647:M2:0:0:M3:0:1416:M4:0:56:M5:0:0
// Per channel triplet: label, pulses in last interval, pulses since power-up.
var telegramPattern = regexp.MustCompile(`^ID:\d+:I:\d+(:M\d+:\d+:\d+)+$`)

// StartReading opens the port and consumes records in a goroutine.
// onTelegram is called for every valid record; onFatal once if the
// transport gives up (open failure or too many consecutive errors).
// Malformed records are counted and skipped, never fatal.
func (r *S0Reader) StartReading(
	onTelegram func(*types.Telegram),
	onFatal func(error),
) {
	r.stopSignal.Store(false)

	go func() {
		// Tolerance before we report a transport failure.
		consecutiveErrors := 0
		maxErrors := 10
		var lastError error

		if err := r.connect(); err != nil {
			onFatal(err)
			return
		}

		reader := bufio.NewReader(r.serialPort)
		for consecutiveErrors < maxErrors {
			line, err := reader.ReadString('\n')
			if r.stopSignal.Load() {
				r.disconnect()
				return
			}
			if err != nil {
				consecutiveErrors++
				lastError = err
				log.Warnf("Error reading from s0pcm (%d/%d): %v", consecutiveErrors, maxErrors, err)
				time.Sleep(time.Second)
				continue
			}
			consecutiveErrors = 0

			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				// Header record, sent once after device power-up
				log.Infof("s0pcm header: %s", line)
				continue
			}

			telegram, err := r.ParseTelegram(line)
			if err != nil {
				log.Warnf("Skipping malformed record from s0pcm: %v", err)
				continue
			}

			r.counter++
			telegram.Counter = r.counter
			onTelegram(telegram)
		}

		log.Errorf("Too many consecutive errors (%d), stopping reader: %v", maxErrors, lastError)
		r.disconnect()
		onFatal(lastError)
	}()
}

func (r *S0Reader) StopReading() {
	r.stopSignal.Store(true)
	// Closing the port unblocks the pending read
	r.disconnect()
}

// ParseTelegram validates and decodes one data record. Channels absent
// from the configuration are filtered out here and never published.
func (r *S0Reader) ParseTelegram(line string) (*types.Telegram, error) {
	now := time.Now()

	if r.crcEnabled {
		stripped, err := r.validateCRC(line)
		if err != nil {
			r.parseErrors.Add(1)
			return nil, err
		}
		line = stripped
	}

	if !telegramPattern.MatchString(line) {
		r.parseErrors.Add(1)
		return nil, fmt.Errorf("unexpected input %q", line)
	}

	// ID:<serial>:I:<interval>:M1:a:b:M2:c:d...
	fields := strings.Split(line, ":")
	deviceID := fields[1]
	interval, err := strconv.Atoi(fields[3])
	if err != nil {
		r.parseErrors.Add(1)
		return nil, fmt.Errorf("bad interval in %q: %w", line, err)
	}

	telegram := &types.Telegram{
		DeviceID:  deviceID,
		Interval:  interval,
		Timestamp: now,
	}

	for i := 4; i+2 < len(fields); i += 3 {
		channel := fields[i]
		intervalPulses, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			r.parseErrors.Add(1)
			return nil, fmt.Errorf("channel %s: bad interval count: %w", channel, err)
		}
		pulseCount, err := strconv.ParseInt(fields[i+2], 10, 64)
		if err != nil {
			r.parseErrors.Add(1)
			return nil, fmt.Errorf("channel %s: bad pulse count: %w", channel, err)
		}

		if _, ok := r.channels[channel]; !ok {
			// Not in configuration, drop before further processing
			continue
		}

		telegram.Samples = append(telegram.Samples, types.RawSample{
			Channel:        channel,
			IntervalPulses: intervalPulses,
			PulseCount:     pulseCount,
			Timestamp:      now,
		})
	}

	return telegram, nil
}

// validateCRC checks a !XXXX CRC16/ARC trailer and returns the record
// without it.
func (r *S0Reader) validateCRC(line string) (string, error) {
	parts := strings.Split(line, "!")
	if len(parts) != 2 || len(parts[1]) != 4 {
		return "", fmt.Errorf("missing CRC trailer in %q", line)
	}

	data := parts[0] + "!"
	calcCRC := crc16.Checksum([]byte(data), r.crcTable)
	calcCRCHex := fmt.Sprintf("%04X", calcCRC)

	if strings.ToUpper(parts[1]) != calcCRCHex {
		return "", fmt.Errorf("CRC mismatch in %q: got %s want %s", line, parts[1], calcCRCHex)
	}
	return parts[0], nil
}

func (r *S0Reader) connect() error {
	parity := serial.PARITY_NONE
	if r.parityEven {
		parity = serial.PARITY_EVEN
	}

	options := serial.OpenOptions{
		PortName:        r.device,
		BaudRate:        r.baudrate,
		DataBits:        r.dataBits,
		StopBits:        1,
		ParityMode:      parity,
		MinimumReadSize: 1,
	}

	port, err := serial.Open(options)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	r.serialPort = port
	log.Infof("Connected to s0pcm on %s", r.device)
	return nil
}

func (r *S0Reader) disconnect() {
	if r.serialPort != nil {
		r.serialPort.Close()
		log.Info("Disconnected from s0pcm")
	}
}
