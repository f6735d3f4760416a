// Package relay drives the bench's USB relay board, which exposes a simple
// line protocol ("on <channel>" / "off <channel>") over a serial port. One
// board switches both device power and, on boards that need it, the serial
// line isolator.
package relay

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/pkg/errors"
)

// Board is a shared handle to the relay controller. Channel commands are
// serialized; the firmware processes one line at a time.
type Board struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
}

// Open connects to the relay controller.
func Open(port string, baud int) (*Board, error) {
	if baud <= 0 {
		baud = 115200
	}
	p, err := serial.Open(&serial.Config{
		Address:  port,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open relay board %s", port)
	}
	return NewBoard(p), nil
}

// NewBoard wraps an already-open port. Split out of Open for tests.
func NewBoard(port io.ReadWriteCloser) *Board {
	return &Board{port: port}
}

// Set energizes or releases one relay channel.
func (b *Board) Set(channel int, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	verb := "off"
	if on {
		verb = "on"
	}
	if _, err := fmt.Fprintf(b.port, "%s %d\n", verb, channel); err != nil {
		return errors.Wrapf(err, "relay %s channel %d", verb, channel)
	}
	return nil
}

// Close releases the controller port.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}

// PowerSwitch adapts one relay channel to the Power capability. The channel
// is wired normally-open: energized means the device is powered.
type PowerSwitch struct {
	board   *Board
	channel int
}

// NewPowerSwitch binds a channel as a device's power control.
func NewPowerSwitch(board *Board, channel int) *PowerSwitch {
	return &PowerSwitch{board: board, channel: channel}
}

func (p *PowerSwitch) On() error  { return p.board.Set(p.channel, true) }
func (p *PowerSwitch) Off() error { return p.board.Set(p.channel, false) }

// Isolator adapts one relay channel to the LineIsolator capability. The
// channel is wired in series with the console TX/RX pair: energized means
// the line is physically interrupted.
type Isolator struct {
	board   *Board
	channel int
}

// NewIsolator binds a channel as a device's serial line isolator.
func NewIsolator(board *Board, channel int) *Isolator {
	return &Isolator{board: board, channel: channel}
}

func (i *Isolator) Disconnect() error { return i.board.Set(i.channel, true) }
func (i *Isolator) Connect() error    { return i.board.Set(i.channel, false) }
