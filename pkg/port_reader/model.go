package port_reader

import (
	"io"
	"sync/atomic"

	"github.com/meterworks/s0pcm-bridge/pkg/types"
	"github.com/sigurn/crc16"
)

type S0Reader struct {
	device     string
	baudrate   uint
	dataBits   uint
	parityEven bool
	crcEnabled bool

	serialPort io.ReadWriteCloser
	channels   map[string]struct{}
	stopSignal atomic.Bool

	counter     uint64
	parseErrors atomic.Uint64

	crcTable *crc16.Table
}

// Options mirror the S0PCM serial defaults: 9600 baud, 7 databits,
// even parity, 1 stopbit.
type Options struct {
	Device     string
	Baudrate   uint
	DataBits   uint
	ParityEven bool
	CRCEnabled bool
}

func NewS0Reader(opts Options, channels []types.Channel) *S0Reader {
	configured := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		configured[c.ID] = struct{}{}
	}

	return &S0Reader{
		device:     opts.Device,
		baudrate:   opts.Baudrate,
		dataBits:   opts.DataBits,
		parityEven: opts.ParityEven,
		crcEnabled: opts.CRCEnabled,
		channels:   configured,
		crcTable:   crc16.MakeTable(crc16.CRC16_ARC),
	}
}

// ParseErrors returns the number of malformed records skipped so far.
func (r *S0Reader) ParseErrors() uint64 {
	return r.parseErrors.Load()
}
