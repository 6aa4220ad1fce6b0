// Package bridge mirrors litter box snapshots onto an MQTT broker and forwards commands received
// on the broker back to the devices.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/internal/metrics"
	"github.com/neakasa/neakasa-go/pkg/coordinator"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	commandTimeout = 30 * time.Second
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrBadPayload    = errors.New("payload must be one of 0, 1, true, false, ON or OFF")
	ErrBadTopic      = errors.New("unrecognized command topic")
)

// Transport is the subset of an MQTT client used by the bridge. *Client implements Transport.
type Transport interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
}

// MessageHandler is invoked for every message on a subscribed topic.
type MessageHandler func(topic string, payload []byte) error

// Device is a device controllable through the broker. *coordinator.Coordinator implements Device.
type Device interface {
	DeviceID() string
	SetProperty(ctx context.Context, key string, value int) (coordinator.Snapshot, error)
	InvokeService(ctx context.Context, name string) error
}

// Bridge publishes device state and dispatches commands. It implements poller.Sink.
type Bridge struct {
	topics    Topics
	transport Transport

	lock    sync.RWMutex
	devices map[string]Device
	ctx     context.Context
}

// New returns a Bridge that uses transport for all broker traffic.
func New(transport Transport, topics Topics, devices ...Device) *Bridge {
	b := &Bridge{
		topics:    topics,
		transport: transport,
		devices:   make(map[string]Device),
		ctx:       context.Background(),
	}
	for _, d := range devices {
		b.devices[d.DeviceID()] = d
	}
	return b
}

// Start subscribes to the command topics. Commands run with a context derived from ctx.
func (b *Bridge) Start(ctx context.Context) error {
	b.lock.Lock()
	b.ctx = ctx
	b.lock.Unlock()
	if err := b.transport.Subscribe(b.topics.setFilter(), b.handle); err != nil {
		return fmt.Errorf("subscribing to property writes: %w", err)
	}
	if err := b.transport.Subscribe(b.topics.commandFilter(), b.handle); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	return nil
}

func (b *Bridge) publish(kind, topic string, retained bool, payload []byte) error {
	if err := b.transport.Publish(topic, retained, payload); err != nil {
		return err
	}
	metrics.MessagesPublished.WithLabelValues(kind).Inc()
	return nil
}

// Publish sends snapshot to the device's state topic and marks the device online.
func (b *Bridge) Publish(_ context.Context, deviceID string, snapshot coordinator.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := b.publish("state", b.topics.State(deviceID), true, payload); err != nil {
		return err
	}
	return b.publish("availability", b.topics.Availability(deviceID), true, []byte(PayloadOnline))
}

// Unavailable marks the device offline.
func (b *Bridge) Unavailable(_ context.Context, deviceID string, cause error) error {
	log.Debug("Marking %s offline: %s", deviceID, cause)
	return b.publish("availability", b.topics.Availability(deviceID), true, []byte(PayloadOffline))
}

// ParseSwitch converts an on/off payload to the value written to the device.
func ParseSwitch(payload []byte) (int, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "1", "true", "on":
		return 1, nil
	case "0", "false", "off":
		return 0, nil
	}
	return 0, ErrBadPayload
}

func (b *Bridge) handle(topic string, payload []byte) error {
	deviceID, property, ok := b.topics.parse(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	b.lock.RLock()
	device, found := b.devices[deviceID]
	parent := b.ctx
	b.lock.RUnlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	if property == "" {
		service := strings.ToLower(strings.TrimSpace(string(payload)))
		log.Info("Invoking %s on %s", service, deviceID)
		return device.InvokeService(ctx, service)
	}
	value, err := ParseSwitch(payload)
	if err != nil {
		return err
	}
	log.Info("Setting %s=%d on %s", property, value, deviceID)
	// The updated snapshot reaches the broker through the poller's update listener.
	_, err = device.SetProperty(ctx, property, value)
	return err
}
