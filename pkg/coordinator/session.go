package coordinator

//go:generate mockgen -source session.go -destination ../../mocks/coordinator.go -package mocks

import (
	"context"

	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/registry"
)

// Session is the subset of the cloud client used to poll and control a device.
type Session interface {
	Devices(ctx context.Context) ([]account.Device, error)
	Properties(ctx context.Context, iotID string) (account.Properties, error)
	SetProperties(ctx context.Context, iotID string, items map[string]interface{}) error
	CleanNow(ctx context.Context, iotID string) error
	SandLeveling(ctx context.Context, iotID string) error
	Records(ctx context.Context, deviceName string) (account.Records, error)
}

// SessionProvider resolves credentials to a live Session.
type SessionProvider interface {
	// Session returns the shared session for creds, logging in if necessary.
	Session(ctx context.Context, creds registry.Credentials) (Session, error)
	// Reconnect discards the shared session for creds and logs in again.
	Reconnect(ctx context.Context, creds registry.Credentials) (Session, error)
}

type registrySession interface {
	registry.Session
	Session
}

type registryProvider[S registrySession] struct {
	registry *registry.Registry[S]
}

// FromRegistry adapts a Registry to a SessionProvider.
func FromRegistry[S registrySession](r *registry.Registry[S]) SessionProvider {
	return &registryProvider[S]{registry: r}
}

func (p *registryProvider[S]) Session(ctx context.Context, creds registry.Credentials) (Session, error) {
	session, err := p.registry.GetOrCreate(ctx, creds)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (p *registryProvider[S]) Reconnect(ctx context.Context, creds registry.Credentials) (Session, error) {
	session, err := p.registry.ForceReconnect(ctx, creds)
	if err != nil {
		return nil, err
	}
	return session, nil
}
