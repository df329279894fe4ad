package mqtt

import (
	"fmt"
	"strings"
)

const (
	DefaultPrefix = "instruments"
	setSuffix     = "set"
	statusTopic   = "status"
)

// Topics builds the per-device topic tree:
//
//	<prefix>/<device>/<property>      retained JSON status
//	<prefix>/<device>/<property>/set  client commands
//	<prefix>/<device>/status          online/offline
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

func (t Topics) Property(device, name string) string {
	return fmt.Sprintf("%s/%s/%s", t.prefix(), device, name)
}

func (t Topics) Set(device, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.prefix(), device, name, setSuffix)
}

// AllSets matches every command topic of one device.
func (t Topics) AllSets(device string) string {
	return fmt.Sprintf("%s/%s/+/%s", t.prefix(), device, setSuffix)
}

func (t Topics) Status(device string) string {
	return fmt.Sprintf("%s/%s/%s", t.prefix(), device, statusTopic)
}

// ParseSet splits a command topic into device and property names.
func (t Topics) ParseSet(topic string) (device, name string, err error) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok {
		return "", "", fmt.Errorf("%w: %q outside %s", ErrInvalidTopic, topic, t.prefix())
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != setSuffix || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q is not a command topic", ErrInvalidTopic, topic)
	}
	return parts[0], parts[1], nil
}
