package stagebus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// SimStage is one simulated controller on a Simulator bus.
type SimStage struct {
	Address  int
	Serial   string
	Position int64
	Warnings []string

	moving bool
}

// Simulator answers the ASCII protocol like a daisy chain of stages.
// Moves complete after being reported BUSY once.
type Simulator struct {
	mu        sync.Mutex
	stages    []*SimStage
	pending   []string
	silent    bool
	unplugged bool
}

// NewSimulator puts one stage per serial on the bus at addresses 1..n.
func NewSimulator(serials ...string) *Simulator {
	s := &Simulator{}
	for i, serial := range serials {
		s.stages = append(s.stages, &SimStage{Address: i + 1, Serial: serial})
	}
	return s
}

// SetSilent makes the bus swallow every command, as when the chain is
// unpowered.
func (s *Simulator) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// SetUnplugged makes every write fail, as when the adapter is removed.
func (s *Simulator) SetUnplugged(unplugged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = unplugged
}

// Readdress replaces the bus contents, e.g. to emulate a renumbering.
func (s *Simulator) Readdress(stages ...SimStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = s.stages[:0]
	for i := range stages {
		st := stages[i]
		s.stages = append(s.stages, &st)
	}
}

func (s *Simulator) Stage(addr int) (SimStage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.find(addr); st != nil {
		return *st, true
	}
	return SimStage{}, false
}

func (s *Simulator) SetWarnings(addr int, warnings ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.find(addr); st != nil {
		st.Warnings = warnings
	}
}

func (s *Simulator) find(addr int) *SimStage {
	for _, st := range s.stages {
		if st.Address == addr {
			return st
		}
	}
	return nil
}

func (s *Simulator) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *Simulator) Close() error {
	return nil
}

func (s *Simulator) Receive() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", ErrTimeout
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

func (s *Simulator) Send(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unplugged {
		return fmt.Errorf("write %q: input/output error", cmd)
	}
	if s.silent {
		return nil
	}

	fields := strings.Fields(strings.TrimPrefix(cmd, "/"))
	if len(fields) == 0 {
		for _, st := range s.stages {
			s.reply(st, "OK", "0")
		}
		return nil
	}

	addr, err := strconv.Atoi(fields[0])
	if err != nil {
		if strings.Join(fields, " ") == "get system.serial" {
			for _, st := range s.stages {
				s.reply(st, "OK", st.Serial)
			}
		}
		return nil
	}

	st := s.find(addr)
	if st == nil {
		return nil
	}
	s.execute(st, fields[1:])
	return nil
}

func (s *Simulator) execute(st *SimStage, args []string) {
	switch strings.Join(args, " ") {
	case "get pos":
		s.reply(st, "OK", strconv.FormatInt(st.Position, 10))
		st.moving = false
		return
	case "home":
		st.Position = 0
		st.moving = true
		s.reply(st, "OK", "0")
		return
	case "stop", "estop":
		st.moving = false
		s.reply(st, "OK", "0")
		return
	case "warnings":
		data := fmt.Sprintf("%02d", len(st.Warnings))
		if len(st.Warnings) > 0 {
			data += " " + strings.Join(st.Warnings, " ")
		}
		s.reply(st, "OK", data)
		return
	}

	if len(args) == 3 && args[0] == "move" && args[1] == "abs" {
		if pos, err := strconv.ParseInt(args[2], 10, 64); err == nil {
			st.Position = pos
			st.moving = true
			s.reply(st, "OK", "0")
			return
		}
	}
	s.reply(st, "RJ", "BADCOMMAND")
}

func (s *Simulator) reply(st *SimStage, flag, data string) {
	status := "IDLE"
	if st.moving {
		status = "BUSY"
	}
	warn := noWarning
	if len(st.Warnings) > 0 {
		warn = st.Warnings[0]
	}
	s.pending = append(s.pending, fmt.Sprintf("@%02d 0 %s %s %s %s", st.Address, flag, status, warn, data))
}
