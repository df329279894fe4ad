package pinctrl

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Pin is one line of `pinctrl get`, e.g.
//
//	17: op dl pn | lo // GPIO17 = output
type Pin struct {
	Number int
	Mode   string // ip, op, a0..a5 or no
	Pull   string // pu, pd or pn
	Drive  string // dh or dl, outputs only
	Level  string // hi, lo or --
	Label  string
}

// Output reports whether the pin is configured as an output.
func (p Pin) Output() bool { return p.Mode == "op" }

// run executes the pinctrl binary. Tests replace it.
var run = func(args ...string) ([]byte, error) {
	return exec.Command("pinctrl", args...).CombinedOutput()
}

// Get reads the function of the given pins, or of every pin when none are
// given. A requested pin missing from the output is an error.
func Get(pins ...int) (map[int]Pin, error) {
	out, err := run("get")
	if err != nil {
		return nil, fmt.Errorf("pinctrl get failed: %s (output: %s)", err, string(out))
	}
	all, err := parsePins(out)
	if err != nil {
		return nil, err
	}
	if len(pins) == 0 {
		return all, nil
	}

	result := make(map[int]Pin, len(pins))
	for _, n := range pins {
		p, ok := all[n]
		if !ok {
			return nil, fmt.Errorf("pin %d not reported by pinctrl", n)
		}
		result[n] = p
	}
	return result, nil
}

func parsePins(out []byte) (map[int]Pin, error) {
	result := make(map[int]Pin)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		p, ok := parsePinLine(scanner.Text())
		if ok {
			result[p.Number] = p
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading pinctrl output: %w", err)
	}
	return result, nil
}

func parsePinLine(line string) (Pin, bool) {
	config, label, _ := strings.Cut(line, "//")
	config, level, ok := strings.Cut(config, "|")
	if !ok {
		return Pin{}, false
	}
	num, rest, ok := strings.Cut(config, ":")
	if !ok {
		return Pin{}, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return Pin{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Pin{}, false
	}

	p := Pin{
		Number: n,
		Mode:   fields[0],
		Level:  strings.TrimSpace(level),
		Label:  strings.TrimSpace(label),
	}
	for _, opt := range fields[1:] {
		switch opt {
		case "pu", "pd", "pn":
			p.Pull = opt
		case "dh", "dl":
			p.Drive = opt
		}
	}
	return p, true
}

// ReadLevel reads one pin with `pinctrl lev`. True means high.
func ReadLevel(pin int) (bool, error) {
	out, err := run("lev", strconv.Itoa(pin))
	if err != nil {
		return false, fmt.Errorf("failed to read level for pin %d: %w", pin, err)
	}
	switch s := strings.TrimSpace(string(out)); s {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected output from pinctrl lev: %q", s)
	}
}

// SetPin applies pinctrl set options, e.g. SetPin(10, "op", "pn", "dh").
func SetPin(pin int, opts ...string) error {
	args := append([]string{"set", strconv.Itoa(pin)}, opts...)
	out, err := run(args...)
	if err != nil {
		return fmt.Errorf("pinctrl set failed: %s (output: %s)", err, string(out))
	}
	return nil
}
