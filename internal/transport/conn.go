// Package transport carries worker reports to the arbiter as
// newline-delimited JSON over the socket pair set up at spawn.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ganeshk79/Disease-Detection/internal/protocol"
)

// MaxReportSize bounds one framed report. Reports are a few hundred bytes.
const MaxReportSize = 64 * 1024

// ErrReportTooLarge is returned by Recv for a line over MaxReportSize.
var ErrReportTooLarge = errors.New("report exceeds size limit")

// Conn is one end of a report channel. Send may be called from several
// goroutines; Recv from one.
type Conn struct {
	c    net.Conn
	scan *bufio.Scanner

	mu  sync.Mutex
	buf []byte
}

func NewConn(c net.Conn) *Conn {
	scan := bufio.NewScanner(c)
	scan.Buffer(make([]byte, 0, 4096), MaxReportSize)
	return &Conn{c: c, scan: scan}
}

func (c *Conn) Close() error {
	return c.c.Close()
}

// Send writes msg as one line. A positive timeout bounds the write so a
// worker never stalls on an arbiter that stopped reading.
func (c *Conn) Send(msg protocol.Message, timeout time.Duration) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s report: %w", msg.Kind, err)
	}
	if len(b) >= MaxReportSize {
		return fmt.Errorf("%s report: %w", msg.Kind, ErrReportTooLarge)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout > 0 {
		_ = c.c.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = c.c.SetWriteDeadline(time.Time{}) }()
	}
	c.buf = append(append(c.buf[:0], b...), '\n')
	_, err = c.c.Write(c.buf)
	return err
}

// Recv reads the next report. It returns io.EOF once the peer has closed
// the channel cleanly.
func (c *Conn) Recv() (protocol.Message, error) {
	if !c.scan.Scan() {
		err := c.scan.Err()
		switch {
		case err == nil:
			return protocol.Message{}, io.EOF
		case errors.Is(err, bufio.ErrTooLong):
			return protocol.Message{}, ErrReportTooLarge
		default:
			return protocol.Message{}, err
		}
	}

	var msg protocol.Message
	if err := json.Unmarshal(c.scan.Bytes(), &msg); err != nil {
		return protocol.Message{}, fmt.Errorf("invalid json: %w", err)
	}
	return msg, nil
}
