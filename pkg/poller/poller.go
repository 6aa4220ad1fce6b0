// Package poller refreshes a set of devices on a fixed interval and fans the results out to sinks
// such as the MQTT bridge or the telemetry writer.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/pkg/coordinator"
)

const (
	DefaultInterval = 60 * time.Second

	setupInitialBackoff = 5 * time.Second
	setupMaxBackoff     = 5 * time.Minute
	setupMaxRetries     = 8
)

// Device is a pollable device. *coordinator.Coordinator implements Device.
type Device interface {
	DeviceID() string
	Refresh(ctx context.Context) (coordinator.Snapshot, error)
	OnUpdate(fn func(coordinator.Snapshot))
}

// Sink receives device updates.
type Sink interface {
	// Publish is called with every new snapshot of a device.
	Publish(ctx context.Context, deviceID string, snapshot coordinator.Snapshot) error
	// Unavailable is called when a device could not be refreshed.
	Unavailable(ctx context.Context, deviceID string, cause error) error
}

// Poller refreshes devices until its context ends.
type Poller struct {
	// Interval between refreshes of the same device.
	Interval time.Duration
	// SetupBackoff returns the retry strategy used for the first refresh of each device. A failed
	// first refresh usually means the service is unreachable at startup.
	SetupBackoff func() backoff.BackOff

	devices []Device
	sinks   []Sink
}

// New returns a Poller for devices that publishes to sinks.
func New(devices []Device, sinks ...Sink) *Poller {
	return &Poller{
		Interval: DefaultInterval,
		SetupBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(
				backoff.NewExponentialBackOff(
					backoff.WithInitialInterval(setupInitialBackoff),
					backoff.WithMaxInterval(setupMaxBackoff),
				),
				setupMaxRetries,
			)
		},
		devices: devices,
		sinks:   sinks,
	}
}

// AddSink registers an additional sink. It must be called before Run.
func (p *Poller) AddSink(sink Sink) {
	p.sinks = append(p.sinks, sink)
}

func (p *Poller) publish(ctx context.Context, deviceID string, snapshot coordinator.Snapshot) {
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, deviceID, snapshot); err != nil {
			log.Warning("Failed to publish update of %s: %s", deviceID, err)
		}
	}
}

func (p *Poller) unavailable(ctx context.Context, deviceID string, cause error) {
	for _, sink := range p.sinks {
		if err := sink.Unavailable(ctx, deviceID, cause); err != nil {
			log.Warning("Failed to publish unavailability of %s: %s", deviceID, err)
		}
	}
}

// Run polls every device until ctx ends. Snapshots produced outside of Run's polling, such as the
// result of a property write, are published as well.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, device := range p.devices {
		device := device
		device.OnUpdate(func(snapshot coordinator.Snapshot) {
			if ctx.Err() == nil {
				p.publish(ctx, device.DeviceID(), snapshot)
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.poll(ctx, device)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Poller) setup(ctx context.Context, device Device) {
	operation := func() error {
		_, err := device.Refresh(ctx)
		return err
	}
	strategy := backoff.WithContext(p.SetupBackoff(), ctx)
	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		log.Warning("Device %s not ready: %s (next attempt in %s)", device.DeviceID(), err, d)
		p.unavailable(ctx, device.DeviceID(), err)
	})
	if err != nil && ctx.Err() == nil {
		log.Error("Giving up on initial refresh of %s: %s", device.DeviceID(), err)
		p.unavailable(ctx, device.DeviceID(), err)
	}
}

func (p *Poller) poll(ctx context.Context, device Device) {
	p.setup(ctx, device)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := device.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.unavailable(ctx, device.DeviceID(), err)
			}
		}
	}
}
