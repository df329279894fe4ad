package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/thatsimonsguy/instrument-controller/internal/stagebus"
)

var ErrDeviceNotFound = errors.New("serialport: usb device not found")

// USBDevice identifies an adapter by its udev attributes.
type USBDevice struct {
	Vendor  string `yaml:"idVendor"`
	Product string `yaml:"idProduct"`
	Serial  string `yaml:"serial"`
}

func (d USBDevice) String() string {
	return d.Vendor + ":" + d.Product + ":" + d.Serial
}

func (d USBDevice) matches(p *enumerator.PortDetails) bool {
	if !p.IsUSB {
		return false
	}
	if d.Vendor != "" && !strings.EqualFold(p.VID, d.Vendor) {
		return false
	}
	if d.Product != "" && !strings.EqualFold(p.PID, d.Product) {
		return false
	}
	return d.Serial == "" || p.SerialNumber == d.Serial
}

var listPorts = enumerator.GetDetailedPortsList

// Find returns the tty path of the adapter, or ErrDeviceNotFound when
// it is not plugged in. Any other error means enumeration itself failed.
func Find(dev USBDevice) (string, error) {
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("enumerating serial ports: %w", err)
	}
	for _, p := range ports {
		if dev.matches(p) {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, dev)
}

type rawPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

var openPort = func(name string, mode *serial.Mode, timeout time.Duration) (rawPort, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Port is a line-oriented link to a chain of ASCII-protocol stages. A
// read timeout ends the current response and surfaces as
// stagebus.ErrTimeout.
type Port struct {
	name string
	raw  rawPort
	buf  []byte
}

func Open(name string, baud int, readTimeout time.Duration) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	raw, err := openPort(name, mode, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	log.Debug().Str("port", name).Int("baud", baud).Msg("Serial port opened")
	return &Port{name: name, raw: raw}, nil
}

func (p *Port) Name() string { return p.name }

func (p *Port) Drain() error {
	p.buf = p.buf[:0]
	return p.raw.ResetInputBuffer()
}

func (p *Port) Send(cmd string) error {
	log.Debug().Str("port", p.name).Str("cmd", cmd).Msg("Sending")
	_, err := p.raw.Write([]byte(cmd + "\n"))
	return err
}

func (p *Port) Receive() (string, error) {
	chunk := make([]byte, 256)
	for {
		if i := bytes.IndexByte(p.buf, '\n'); i >= 0 {
			line := string(bytes.TrimRight(p.buf[:i], "\r"))
			p.buf = append(p.buf[:0], p.buf[i+1:]...)
			return line, nil
		}

		n, err := p.raw.Read(chunk)
		if err != nil {
			return "", err
		}
		if n == 0 {
			if len(p.buf) > 0 {
				line := string(bytes.TrimRight(p.buf, "\r"))
				p.buf = p.buf[:0]
				return line, nil
			}
			return "", stagebus.ErrTimeout
		}
		p.buf = append(p.buf, chunk[:n]...)
	}
}

func (p *Port) Close() error {
	return p.raw.Close()
}
