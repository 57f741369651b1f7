/*Package comm provides the connection plumbing for talking to the microscope
bridge: connection makers with dial backoff, a small self-reclaiming
connection pool, and Read/Writer wrappers for per-call timeouts and
line-terminated ASCII protocols.

The bridge speaks a single-request, single-response ASCII dialect over TCP or
a serial line.  Drivers hold a Pool and wrap each leased connection with
NewTimeout and NewTerminator before use.
*/
package comm

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrTimeoutUnsupported is generated when NewTimeout is handed a ReadWriter
// with no deadline support.
var ErrTimeoutUnsupported = errors.New("comm: connection does not support deadlines")

// CreationFunc opens a new connection.  Closures bind the address and any
// dial options.
type CreationFunc func() (io.ReadWriteCloser, error)

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff.  The bridge drops connections that arrive while it is
// restarting, so hammering it with immediate redials only extends the outage.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = net.DialTimeout("tcp", addr, timeout)
			if err != nil && !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the given serial port.
func SerialConnMaker(cfg *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(cfg)
	}
}

func retryable(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "refused") || strings.Contains(s, "timeout")
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

type timeoutRW struct {
	rw      io.ReadWriter
	d       deadliner
	timeout time.Duration
}

func (t timeoutRW) Read(p []byte) (int, error) {
	if err := t.d.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t timeoutRW) Write(p []byte) (int, error) {
	if err := t.d.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}

// NewTimeout wraps rw so that every Read and Write carries a fresh deadline.
// ErrTimeoutUnsupported is returned when the underlying connection cannot
// take deadlines, e.g. a serial port.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	d, ok := rw.(deadliner)
	if !ok {
		return rw, ErrTimeoutUnsupported
	}
	return timeoutRW{rw: rw, d: d, timeout: timeout}, nil
}

type terminatorRW struct {
	rw     io.ReadWriter
	rx, tx byte
}

func (t terminatorRW) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	for n > 0 && p[n-1] == t.rx {
		n--
	}
	return n, err
}

func (t terminatorRW) Write(p []byte) (int, error) {
	n, err := t.rw.Write(append(p, t.tx))
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// NewTerminator wraps rw for a line-terminated protocol: writes get the tx
// terminator appended, reads have trailing rx terminators stripped.
func NewTerminator(rw io.ReadWriter, rx, tx byte) io.ReadWriter {
	return terminatorRW{rw: rw, rx: rx, tx: tx}
}
