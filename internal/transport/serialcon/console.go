// Package serialcon implements the serial console and console-shell
// capabilities on top of a raw serial port.
package serialcon

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// readSlice is the per-read chunk size; console output is slow enough that
// small reads keep Expect responsive.
const readSlice = 256

// Config describes the console port.
type Config struct {
	Port string
	Baud int
	// ReadTimeout bounds each low-level read; Expect loops reads until its
	// own deadline.
	ReadTimeout time.Duration
}

// Console is a line-oriented console with pattern waits. It retains
// unconsumed input between Expect calls so output arriving early is not
// lost.
type Console struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
	buf  strings.Builder
}

// Open opens the physical port.
func Open(cfg Config) (*Console, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.Baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial console %s", cfg.Port)
	}
	return New(port), nil
}

// New wraps an already-open port. Split out of Open for tests.
func New(port io.ReadWriteCloser) *Console {
	return &Console{port: port}
}

// SendLine writes text followed by a newline.
func (c *Console) SendLine(line string) error {
	return c.Write([]byte(line + "\n"))
}

// Write sends raw bytes to the console.
func (c *Console) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.port.Write(p)
	return errors.Wrap(err, "serial write")
}

// Expect blocks until one of patterns appears in the console stream or the
// timeout lapses. It returns the matched pattern index and the captured text
// up to and including the match; the remainder stays buffered for the next
// call.
func (c *Console) Expect(patterns []string, timeout time.Duration) (int, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, readSlice)
	for {
		if idx, captured, ok := c.match(patterns); ok {
			return idx, captured, nil
		}
		if time.Now().After(deadline) {
			return -1, "", errors.Errorf("serial expect: none of %q within %s", patterns, timeout)
		}
		n, err := c.port.Read(chunk)
		if n > 0 {
			c.buf.Write(chunk[:n])
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			if err == io.EOF {
				// Transient on USB serial adapters; keep polling until the
				// deadline decides.
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return -1, "", errors.Wrap(err, "serial read")
		}
	}
}

// match consumes the buffer up to the earliest pattern occurrence.
func (c *Console) match(patterns []string) (int, string, bool) {
	data := c.buf.String()
	best, bestEnd := -1, -1
	for i, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pos := strings.Index(data, pattern); pos >= 0 {
			end := pos + len(pattern)
			if bestEnd == -1 || end < bestEnd {
				best, bestEnd = i, end
			}
		}
	}
	if best == -1 {
		return -1, "", false
	}
	captured := data[:bestEnd]
	c.buf.Reset()
	c.buf.WriteString(data[bestEnd:])
	return best, captured, true
}

// Close releases the port.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.port.Close(); err != nil {
		log.Debug().Err(err).Msg("serial console close failed")
		return err
	}
	return nil
}
