// Package coordinator polls a single litter box and turns its raw cloud properties into
// [Snapshot] values.
//
// Sessions are shared between coordinators through a [SessionProvider]. Property reads go through
// a zero-window cache, so concurrent readers within one poll share a single request, and visit
// records go through a longer-lived cache that is invalidated whenever the device reports a new
// visit. Authentication failures and corrupted sessions trigger exactly one forced reconnect and
// retry; anything beyond that is reported as an [UpdateFailedError].
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/internal/metrics"
	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/cache"
	"github.com/neakasa/neakasa-go/pkg/protocol"
	"github.com/neakasa/neakasa-go/pkg/registry"
)

// Cache windows.
const (
	PropertiesDiscardAfter = 30 * time.Minute
	RecordsRefreshAfter    = 30 * time.Minute
	RecordsDiscardAfter    = 4 * time.Hour
)

// Service names accepted by InvokeService.
const (
	ServiceClean = "clean"
	ServiceLevel = "level"
)

var (
	ErrUnknownService = errors.New("cannot find service to invoke")
	ErrDeviceNotFound = protocol.NewConnectionError("iotId not found in device list")
)

// Config identifies the device polled by a Coordinator.
type Config struct {
	// DeviceID is the iotId of the device.
	DeviceID string
	// Name is a friendly name used in logs and published snapshots.
	Name        string
	Credentials registry.Credentials
	// DeviceName is the vendor device name used to look up records. It is resolved from the device
	// list when empty.
	DeviceName string
}

type noDataError struct {
	err error
}

func (e *noDataError) Error() string { return e.err.Error() }
func (e *noDataError) Unwrap() error { return e.err }

// Coordinator polls one device.
type Coordinator struct {
	config     Config
	sessions   SessionProvider
	properties *cache.Value[account.Properties]
	records    *cache.Value[account.Records]
	now        func() time.Time

	lock       sync.Mutex
	deviceName string
	lastUse    int64
	seenVisit  bool
	latest     Snapshot
	hasLatest  bool
	listeners  []func(Snapshot)
}

type Option func(*Coordinator)

// WithClock replaces time.Now for snapshot timestamps and cache windows.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a Coordinator for the device described by config.
func New(config Config, sessions SessionProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		config:     config,
		sessions:   sessions,
		now:        time.Now,
		deviceName: config.DeviceName,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.Name == "" {
		c.config.Name = config.DeviceID
	}
	c.properties = cache.New[account.Properties](
		cache.WithName("properties:"+config.DeviceID),
		cache.WithRefreshAfter(0),
		cache.WithDiscardAfter(PropertiesDiscardAfter),
		cache.WithClock(c.now),
	)
	c.records = cache.New[account.Records](
		cache.WithName("records:"+config.DeviceID),
		cache.WithRefreshAfter(RecordsRefreshAfter),
		cache.WithDiscardAfter(RecordsDiscardAfter),
		cache.WithClock(c.now),
	)
	return c
}

// DeviceID returns the iotId of the device.
func (c *Coordinator) DeviceID() string {
	return c.config.DeviceID
}

// Name returns the friendly name of the device.
func (c *Coordinator) Name() string {
	return c.config.Name
}

// Credentials returns the account the device belongs to.
func (c *Coordinator) Credentials() registry.Credentials {
	return c.config.Credentials
}

// OnUpdate registers fn to be called with every new snapshot, whether produced by Refresh or by a
// property write. fn must not call back into the Coordinator's write methods.
func (c *Coordinator) OnUpdate(fn func(Snapshot)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Latest returns the most recent snapshot.
func (c *Coordinator) Latest() (Snapshot, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.latest.clone(), c.hasLatest
}

func (c *Coordinator) publish(snapshot Snapshot) {
	c.lock.Lock()
	c.latest = snapshot
	c.hasLatest = true
	listeners := append([]func(Snapshot){}, c.listeners...)
	c.lock.Unlock()
	for _, fn := range listeners {
		fn(snapshot.clone())
	}
}

func (c *Coordinator) reconnect(ctx context.Context) error {
	log.Warning("Session for %s is unusable, attempting to reconnect", c.config.Name)
	if _, err := c.sessions.Reconnect(ctx, c.config.Credentials); err != nil {
		log.Error("Failed to reconnect session for %s: %s", c.config.Name, err)
		return err
	}
	log.Info("Reconnected session for %s", c.config.Name)
	return nil
}

// Refresh polls the device once and returns the new snapshot.
func (c *Coordinator) Refresh(ctx context.Context) (Snapshot, error) {
	start := c.now()
	snapshot, r, err := withReconnect(ctx, c.poll, c.reconnect, shouldReconnect)
	metrics.Polls.WithLabelValues(c.config.DeviceID, metrics.Result(err)).Inc()
	metrics.PollDuration.WithLabelValues(c.config.DeviceID).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		return Snapshot{}, c.failed(err, r)
	}
	c.publish(snapshot)
	return snapshot.clone(), nil
}

func (c *Coordinator) failed(err error, r retryResult) error {
	failure := &UpdateFailedError{Device: c.config.Name, Reconnected: r.reconnected(), Err: err}
	var noData *noDataError
	switch {
	case errors.As(err, &noData):
		failure.Reason = ReasonNoData
	case r.reconnected():
		failure.Reason = reasonFor(r.cause)
	default:
		failure.Reason = reasonFor(err)
	}
	log.Error("Update failed: %s", failure)
	return failure
}

// poll performs one refresh attempt without retries.
func (c *Coordinator) poll(ctx context.Context) (Snapshot, error) {
	session, err := c.sessions.Session(ctx, c.config.Credentials)
	if err != nil {
		return Snapshot{}, err
	}

	properties, err := c.properties.GetOrUpdate(ctx, func(ctx context.Context) (account.Properties, error) {
		return session.Properties(ctx, c.config.DeviceID)
	})
	if err != nil {
		return Snapshot{}, err
	}

	visit, err := lastUse(properties)
	if err != nil {
		return Snapshot{}, &noDataError{err}
	}
	c.lock.Lock()
	if !c.seenVisit || c.lastUse != visit {
		c.records.MarkAsStale()
	}
	c.lastUse = visit
	c.seenVisit = true
	c.lock.Unlock()

	records, err := c.records.GetOrUpdate(ctx, func(ctx context.Context) (account.Records, error) {
		deviceName, err := c.resolveDeviceName(ctx, session)
		if err != nil {
			return account.Records{}, err
		}
		return session.Records(ctx, deviceName)
	})
	if err != nil {
		return Snapshot{}, err
	}

	snapshot, err := assemble(c.config.DeviceID, c.config.Name, properties, records, c.now())
	if err != nil {
		return Snapshot{}, &noDataError{err}
	}
	return snapshot, nil
}

// resolveDeviceName looks up the vendor device name of the device. The result is memoized.
func (c *Coordinator) resolveDeviceName(ctx context.Context, session Session) (string, error) {
	c.lock.Lock()
	name := c.deviceName
	c.lock.Unlock()
	if name != "" {
		return name, nil
	}

	devices, err := session.Devices(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.IotID == c.config.DeviceID {
			c.lock.Lock()
			c.deviceName = d.DeviceName
			c.lock.Unlock()
			return d.DeviceName, nil
		}
	}
	return "", ErrDeviceNotFound
}

// command runs fn against the shared session, reconnecting once if the session is unusable.
func (c *Coordinator) command(ctx context.Context, fn func(context.Context, Session) error) error {
	_, _, err := withReconnect(ctx, func(ctx context.Context) (struct{}, error) {
		session, err := c.sessions.Session(ctx, c.config.Credentials)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, fn(ctx, session)
	}, c.reconnect, shouldReconnect)
	return err
}

// SetProperty writes a switch property and returns the updated snapshot. value must be 0 or 1.
// The snapshot is only published once a refresh has produced one to derive it from.
func (c *Coordinator) SetProperty(ctx context.Context, key string, value int) (Snapshot, error) {
	if !IsSwitch(key) {
		return Snapshot{}, ErrUnknownProperty
	}
	err := c.command(ctx, func(ctx context.Context, session Session) error {
		return session.SetProperties(ctx, c.config.DeviceID, map[string]interface{}{key: value})
	})
	metrics.Commands.WithLabelValues("property", metrics.Result(err)).Inc()
	if err != nil {
		return Snapshot{}, err
	}
	c.lock.Lock()
	current, ok := c.latest, c.hasLatest
	c.lock.Unlock()
	if !ok {
		// Nothing to derive from before the first refresh. Listeners wait for real state.
		current = Snapshot{DeviceID: c.config.DeviceID, Name: c.config.Name}
	}
	next, err := current.With(key, value)
	if err != nil {
		return Snapshot{}, err
	}
	next.UpdatedAt = c.now()
	if ok {
		c.publish(next)
	}
	return next.clone(), nil
}

// InvokeService starts a device service by name (ServiceClean or ServiceLevel).
func (c *Coordinator) InvokeService(ctx context.Context, name string) error {
	var fn func(context.Context, Session) error
	switch name {
	case ServiceClean:
		fn = func(ctx context.Context, s Session) error { return s.CleanNow(ctx, c.config.DeviceID) }
	case ServiceLevel:
		fn = func(ctx context.Context, s Session) error { return s.SandLeveling(ctx, c.config.DeviceID) }
	default:
		return ErrUnknownService
	}
	err := c.command(ctx, fn)
	metrics.Commands.WithLabelValues("service", metrics.Result(err)).Inc()
	return err
}
