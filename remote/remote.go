/*Package remote drives a microscope through its bridge server, a process on
the instrument PC that exposes the vendor API over a line-oriented ASCII
protocol.

Each request is one line, e.g. "StageSet 12.5 -3.25".  Responses carry an
"OK"/"ERR" status and end in an asterisk followed by the XMODEM CRC-16 of the
body in hex, e.g. "OK 12.5 -3.25*1A2B".  The checksum matters because some
bridge installations sit behind flaky serial links; a corrupted reading must
surface as an error, never as a silently wrong stage position.
*/
package remote

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/snksoft/crc"
	"github.com/tarm/serial"

	"github.com/asdfdsa/instamatic/comm"
	"github.com/asdfdsa/instamatic/tem"
)

// Terminator ends every request and response line.
const Terminator = '\n'

// ErrBadResponse is generated when the bridge's reply cannot be understood or
// reports a failure.
type ErrBadResponse struct {
	Resp string
}

func (e ErrBadResponse) Error() string {
	return fmt.Sprintf("bridge: bad response %q", e.Resp)
}

// ErrCRCMismatch is generated when a reply fails its checksum.
type ErrCRCMismatch struct {
	Want, Got uint16
}

func (e ErrCRCMismatch) Error() string {
	return fmt.Sprintf("bridge: response crc %04X, expected %04X", e.Got, e.Want)
}

// Bridge is a client for one bridge server.  It is concurrent safe; requests
// are serialized through the connection pool.
type Bridge struct {
	pool    *comm.Pool
	timeout time.Duration
}

// New returns a Bridge speaking TCP to addr.
func New(addr string) *Bridge {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	return &Bridge{
		pool:    comm.NewPool(1, 30*time.Second, maker),
		timeout: 10 * time.Second,
	}
}

// NewSerial returns a Bridge speaking over a serial port.
func NewSerial(cfg *serial.Config) *Bridge {
	return &Bridge{
		pool:    comm.NewPool(1, 30*time.Second, comm.SerialConnMaker(cfg)),
		timeout: 10 * time.Second,
	}
}

// Ctrl assembles a tem.Ctrl from the bridge's axes and the given camera.
// Frames do not travel over the ASCII link; cameras have their own transport.
func (b *Bridge) Ctrl(cam tem.Camera) *tem.Ctrl {
	return &tem.Ctrl{
		Stage:      bridgeStage{b},
		BeamShift:  bridgeDeflector{b, "BeamShift"},
		ImageShift: bridgeDeflector{b, "ImageShift"},
		DiffFocus:  bridgeLens{b, "DiffFocus"},
		Optics:     bridgeOptics{b},
		Cam:        cam,
	}
}

// exchange performs one request/response cycle on a pooled connection.
func (b *Bridge) exchange(cmd string) (string, error) {
	conn, err := b.pool.Get()
	if err != nil {
		return "", err
	}
	wrap, err := comm.NewTimeout(conn, b.timeout)
	if err != nil && !errors.Is(err, comm.ErrTimeoutUnsupported) {
		b.pool.Destroy(conn)
		return "", err
	}
	wrap = comm.NewTerminator(wrap, Terminator, Terminator)

	if _, err := io.WriteString(wrap, cmd); err != nil {
		b.pool.Destroy(conn)
		return "", err
	}
	buf := make([]byte, 1500)
	n, err := wrap.Read(buf)
	b.pool.ReturnWithError(conn, err)
	if err != nil {
		return "", err
	}
	return parse(buf[:n])
}

// parse validates the checksum and unpacks the OK/ERR status.
func parse(raw []byte) (string, error) {
	s := strings.TrimSpace(string(raw))
	i := strings.LastIndexByte(s, '*')
	if i < 0 {
		return "", ErrBadResponse{Resp: s}
	}
	body, tail := s[:i], s[i+1:]
	want, err := strconv.ParseUint(tail, 16, 16)
	if err != nil {
		return "", ErrBadResponse{Resp: s}
	}
	got := Checksum(body)
	if got != uint16(want) {
		return "", ErrCRCMismatch{Want: uint16(want), Got: got}
	}
	switch {
	case body == "OK":
		return "", nil
	case strings.HasPrefix(body, "OK "):
		return body[3:], nil
	case strings.HasPrefix(body, "ERR "):
		return "", ErrBadResponse{Resp: body[4:]}
	}
	return "", ErrBadResponse{Resp: s}
}

// Checksum is the XMODEM CRC-16 of a response body, as the bridge computes
// it.
func Checksum(body string) uint16 {
	return uint16(crc.CalculateCRC(crc.XMODEM, []byte(body)))
}

// command runs a request that returns no payload.
func (b *Bridge) command(cmd string) error {
	payload, err := b.exchange(cmd)
	if err != nil {
		return err
	}
	if payload != "" {
		return ErrBadResponse{Resp: payload}
	}
	return nil
}

// queryFloats runs a request expecting n space-separated numbers.
func (b *Bridge) queryFloats(cmd string, n int) ([]float64, error) {
	payload, err := b.exchange(cmd)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(payload)
	if len(fields) != n {
		return nil, ErrBadResponse{Resp: payload}
	}
	out := make([]float64, n)
	for i, f := range fields {
		out[i], err = strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, ErrBadResponse{Resp: payload}
		}
	}
	return out, nil
}

type bridgeStage struct {
	b *Bridge
}

func (s bridgeStage) XY() (float64, float64, error) {
	v, err := s.b.queryFloats("StagePosition", 2)
	if err != nil {
		return 0, 0, err
	}
	return v[0], v[1], nil
}

func (s bridgeStage) SetXY(x, y float64) error {
	return s.b.command(fmt.Sprintf("StageSet %g %g", x, y))
}

func (s bridgeStage) SetXYWithBacklashCorrection(x, y float64) error {
	return s.b.command(fmt.Sprintf("StageSetBacklash %g %g", x, y))
}

func (s bridgeStage) ResetXY() error {
	return s.b.command("StageReset")
}

func (s bridgeStage) Alpha() (float64, error) {
	v, err := s.b.queryFloats("StageAlpha", 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

type bridgeDeflector struct {
	b    *Bridge
	name string
}

func (d bridgeDeflector) Get() (float64, float64, error) {
	v, err := d.b.queryFloats(d.name, 2)
	if err != nil {
		return 0, 0, err
	}
	return v[0], v[1], nil
}

func (d bridgeDeflector) Set(x, y float64) error {
	return d.b.command(fmt.Sprintf("%sSet %g %g", d.name, x, y))
}

type bridgeLens struct {
	b    *Bridge
	name string
}

func (l bridgeLens) Get() (float64, error) {
	v, err := l.b.queryFloats(l.name, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (l bridgeLens) Set(v float64) error {
	return l.b.command(fmt.Sprintf("%sSet %g", l.name, v))
}

type bridgeOptics struct {
	b *Bridge
}

func (o bridgeOptics) Mode() (string, error) {
	return o.b.exchange("Mode")
}

func (o bridgeOptics) SetMode(mode string) error {
	return o.b.command("ModeSet " + mode)
}

func (o bridgeOptics) Magnification() (int, error) {
	v, err := o.b.queryFloats("Mag", 1)
	if err != nil {
		return 0, err
	}
	return int(v[0]), nil
}

func (o bridgeOptics) SetMagnification(mag int) error {
	return o.b.command(fmt.Sprintf("MagSet %d", mag))
}

func (o bridgeOptics) SpotSize() (int, error) {
	v, err := o.b.queryFloats("SpotSize", 1)
	if err != nil {
		return 0, err
	}
	return int(v[0]), nil
}
