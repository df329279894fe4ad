package stagebus

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	// ErrTimeout is returned by Transport.Receive when the read timeout
	// expires. It marks the end of a response, not a failure.
	ErrTimeout        = errors.New("stagebus: read timeout")
	ErrSilent         = errors.New("stagebus: no stages responded")
	ErrMalformedReply = errors.New("stagebus: malformed reply")
	ErrRejected       = errors.New("stagebus: command rejected")
	ErrNoReply        = errors.New("stagebus: no reply")
)

const (
	discoveryCommand = "/ get system.serial"
	probeCommand     = "/"
	noWarning        = "--"
)

// Transport is a line-oriented serial link to a daisy chain of stages.
type Transport interface {
	Drain() error
	Send(cmd string) error
	Receive() (string, error)
}

// Reply is one parsed ASCII protocol reply: "@01 0 OK IDLE -- 12345".
type Reply struct {
	Address int
	Axis    int
	Flag    string
	Status  string
	Warning string
	Data    string
}

func (r Reply) Busy() bool     { return r.Status == "BUSY" }
func (r Reply) Rejected() bool { return r.Flag == "RJ" }
func (r Reply) HasWarning() bool {
	return r.Warning != "" && r.Warning != noWarning
}

func ParseReply(line string) (Reply, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "@") {
		return Reply{}, fmt.Errorf("%w: %q is not a reply", ErrMalformedReply, line)
	}

	fields := strings.Fields(line[1:])
	if len(fields) < 5 {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}

	addr, err := strconv.Atoi(fields[0])
	if err != nil {
		return Reply{}, fmt.Errorf("%w: bad address in %q", ErrMalformedReply, line)
	}
	axis, err := strconv.Atoi(fields[1])
	if err != nil {
		return Reply{}, fmt.Errorf("%w: bad axis in %q", ErrMalformedReply, line)
	}

	return Reply{
		Address: addr,
		Axis:    axis,
		Flag:    fields[2],
		Status:  fields[3],
		Warning: fields[4],
		Data:    strings.Join(fields[5:], " "),
	}, nil
}

// Binding pairs a bus address with the serial number found there.
type Binding struct {
	Address int
	Serial  string
}

// ParseSystemSerial extracts address/serial pairs from the concatenated
// replies to a system.serial query. Alert ('!') and info ('#') lines are
// ignored.
func ParseSystemSerial(text string) ([]Binding, error) {
	var out []Binding
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '!' || line[0] == '#' {
			continue
		}

		r, err := ParseReply(line)
		if err != nil {
			return nil, err
		}
		if r.Rejected() {
			log.Warn().Int("address", r.Address).Str("data", r.Data).Msg("Stage rejected serial query")
			continue
		}
		if r.Data == "" {
			return nil, fmt.Errorf("%w: no serial in %q", ErrMalformedReply, line)
		}
		out = append(out, Binding{Address: r.Address, Serial: r.Data})
	}
	return out, nil
}

// readAll collects lines until the transport times out.
func readAll(t Transport) ([]string, error) {
	var lines []string
	for {
		line, err := t.Receive()
		if errors.Is(err, ErrTimeout) {
			return lines, nil
		}
		if err != nil {
			return lines, fmt.Errorf("receiving from stages: %w", err)
		}
		log.Debug().Str("line", line).Msg("Received")
		lines = append(lines, line)
	}
}

// Discover queries every stage for its serial number and rebuilds the
// address index from the answers.
func (r *Registry) Discover(t Transport) (int, error) {
	if err := t.Drain(); err != nil {
		return 0, fmt.Errorf("draining bus: %w", err)
	}
	if err := t.Send(discoveryCommand); err != nil {
		return 0, fmt.Errorf("sending serial query: %w", err)
	}

	lines, err := readAll(t)
	if err != nil {
		return 0, err
	}

	bindings, err := ParseSystemSerial(strings.Join(lines, "\n"))
	if err != nil {
		return 0, err
	}
	log.Info().Int("found", len(bindings)).Msg("Discovered stages")
	return r.Rebind(bindings), nil
}

// Probe sends the empty command and counts replies. A silent bus yields
// ErrSilent, which callers treat as not connected rather than a fault.
func Probe(t Transport) (int, error) {
	if err := t.Drain(); err != nil {
		return 0, fmt.Errorf("draining bus: %w", err)
	}
	if err := t.Send(probeCommand); err != nil {
		return 0, fmt.Errorf("sending probe: %w", err)
	}

	lines, err := readAll(t)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, ErrSilent
	}
	return len(lines), nil
}

// exchange sends one addressed command and waits for that stage's reply.
func exchange(t Transport, addr int, cmd string) (Reply, error) {
	if err := t.Send(fmt.Sprintf("/%d %s", addr, cmd)); err != nil {
		return Reply{}, fmt.Errorf("sending %q to %d: %w", cmd, addr, err)
	}

	for {
		line, err := t.Receive()
		if errors.Is(err, ErrTimeout) {
			return Reply{}, fmt.Errorf("%w: %q to %d", ErrNoReply, cmd, addr)
		}
		if err != nil {
			return Reply{}, fmt.Errorf("receiving reply to %q from %d: %w", cmd, addr, err)
		}
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '@' {
			continue
		}

		reply, err := ParseReply(line)
		if err != nil {
			return Reply{}, err
		}
		if reply.Address != addr {
			continue
		}
		if reply.Rejected() {
			return reply, fmt.Errorf("%w: %q to %d: %s", ErrRejected, cmd, addr, reply.Data)
		}
		return reply, nil
	}
}

func (s *Stage) apply(reply Reply) {
	s.Busy = reply.Busy()
	s.Warning = reply.Warning
}

// UpdatePosition reads one stage's position and status flags.
func (r *Registry) UpdatePosition(t Transport, name string) error {
	s, err := r.boundStage(name)
	if err != nil {
		return err
	}

	reply, err := exchange(t, s.Address, "get pos")
	if err != nil {
		return err
	}
	pos, err := strconv.ParseFloat(reply.Data, 64)
	if err != nil {
		return fmt.Errorf("%w: position %q from %s", ErrMalformedReply, reply.Data, name)
	}

	s.apply(reply)
	s.Position = pos
	return nil
}

// WarningActive reports whether the last reply from the stage carried a
// warning flag.
func (r *Registry) WarningActive(name string) bool {
	s, err := r.stage(name)
	if err != nil {
		return false
	}
	return s.Warning != "" && s.Warning != noWarning
}

// FetchWarnings reads the full warning list: "@01 0 OK IDLE WR 02 WR FQ".
func (r *Registry) FetchWarnings(t Transport, name string) error {
	s, err := r.boundStage(name)
	if err != nil {
		return err
	}

	reply, err := exchange(t, s.Address, "warnings")
	if err != nil {
		return err
	}

	fields := strings.Fields(reply.Data)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty warning list from %s", ErrMalformedReply, name)
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return fmt.Errorf("%w: warning count %q from %s", ErrMalformedReply, fields[0], name)
	}

	s.apply(reply)
	s.Warnings = append(s.Warnings[:0], fields[1:]...)
	if len(s.Warnings) > 0 {
		log.Warn().Str("stage", name).Strs("warnings", s.Warnings).Msg("Stage reports warnings")
	}
	return nil
}

func (r *Registry) command(t Transport, name, cmd string) error {
	s, err := r.boundStage(name)
	if err != nil {
		return err
	}
	reply, err := exchange(t, s.Address, cmd)
	if err != nil {
		return err
	}
	s.apply(reply)
	log.Info().Str("stage", name).Int("address", s.Address).Str("cmd", cmd).Msg("Stage command sent")
	return nil
}

func (r *Registry) MoveAbs(t Transport, name string, pos float64) error {
	return r.command(t, name, fmt.Sprintf("move abs %d", int64(math.Round(pos))))
}

func (r *Registry) Home(t Transport, name string) error {
	return r.command(t, name, "home")
}

func (r *Registry) Stop(t Transport, name string) error {
	return r.command(t, name, "stop")
}

func (r *Registry) EStop(t Transport, name string) error {
	return r.command(t, name, "estop")
}
