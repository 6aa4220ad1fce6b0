package bridge

import (
	"fmt"
	"strings"
)

const DefaultPrefix = "neakasa"

// Topics builds the topic names used by the bridge.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return t.Prefix
}

// State is the retained snapshot topic of a device, e.g. neakasa/iot-0001/state.
func (t Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/%s/state", t.prefix(), deviceID)
}

// Availability carries "online" or "offline" for a device.
func (t Topics) Availability(deviceID string) string {
	return fmt.Sprintf("%s/%s/availability", t.prefix(), deviceID)
}

// Set is the command topic used to write a switch property.
func (t Topics) Set(deviceID, property string) string {
	return fmt.Sprintf("%s/%s/set/%s", t.prefix(), deviceID, property)
}

// Command is the topic used to invoke a device service.
func (t Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", t.prefix(), deviceID)
}

// Status is the bridge's own status topic. It also carries the last will.
func (t Topics) Status() string {
	return t.prefix() + "/bridge/status"
}

func (t Topics) setFilter() string {
	return t.prefix() + "/+/set/+"
}

func (t Topics) commandFilter() string {
	return t.prefix() + "/+/command"
}

// parse splits a command topic into its device id and, for set topics, the property name.
func (t Topics) parse(topic string) (deviceID, property string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[1] == "command" && parts[0] != "":
		return parts[0], "", true
	case len(parts) == 3 && parts[1] == "set" && parts[0] != "" && parts[2] != "":
		return parts[0], parts[2], true
	}
	return "", "", false
}
