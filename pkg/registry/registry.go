// Package registry shares authenticated cloud sessions between devices that belong to the same
// account.
//
// Each distinct set of [Credentials] maps to at most one live session. Operations on the same
// credentials are serialized, so concurrent pollers never log in twice for the same account;
// operations on different credentials proceed in parallel.
package registry

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/internal/metrics"
)

// ErrClosed is returned by operations on a Registry after Close.
var ErrClosed = errors.New("registry closed")

// Session is a cloud connection that may be shared between devices.
type Session interface {
	// Connected returns true if the session completed its login and has not been invalidated.
	Connected() bool
	// IoTToken returns the device-plane token issued during login, or "" if there is none.
	IoTToken() string
}

// Credentials identify an account.
type Credentials struct {
	Username string
	Password string
}

// Identity returns the key under which sessions for c are registered. Accounts that log in with
// different passwords are kept apart.
func (c Credentials) Identity() string {
	return c.Username + ":" + c.Password
}

// Dialer creates and authenticates a new session.
type Dialer[S Session] func(ctx context.Context, creds Credentials) (S, error)

// Registry maps credentials to live sessions.
type Registry[S Session] struct {
	dial Dialer[S]

	// identityLock holds a chan bool for every identity with an operation in progress.
	identityLock sync.Map

	lock     sync.Mutex
	sessions map[string]S
	refs     map[string]int
	closed   bool
}

// New returns an empty Registry that creates sessions using dial.
func New[S Session](dial Dialer[S]) *Registry[S] {
	return &Registry[S]{
		dial:     dial,
		sessions: make(map[string]S),
		refs:     make(map[string]int),
	}
}

// lockIdentity locks an identity-specific mutex, blocking until the operation succeeds or ctx
// expires.
func (r *Registry[S]) lockIdentity(ctx context.Context, identity string) error {
	lock := make(chan bool, 1)
	for {
		if obj, loaded := r.identityLock.LoadOrStore(identity, lock); loaded {
			select {
			case <-obj.(chan bool):
				// The owner deletes the entry before closing the channel, so waking up doesn't
				// imply ownership. Try again.
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			return nil
		}
	}
}

func (r *Registry[S]) unlockIdentity(identity string) {
	obj, ok := r.identityLock.Load(identity)
	if !ok {
		panic("called unlock without owning mutex")
	}
	r.identityLock.Delete(identity)
	close(obj.(chan bool))
}

func usable[S Session](session S) bool {
	return session.Connected() && session.IoTToken() != ""
}

func closeSession[S Session](session S) {
	if closer, ok := any(session).(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warning("Error closing session: %s", err)
		}
	}
}

// lookup returns the registered session for identity. The caller must hold the identity lock.
func (r *Registry[S]) lookup(identity string) (S, bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var zero S
	if r.closed {
		return zero, false, ErrClosed
	}
	session, ok := r.sessions[identity]
	return session, ok, nil
}

// remove unregisters and closes the session for identity, if there is one.
func (r *Registry[S]) remove(identity string) {
	r.lock.Lock()
	session, ok := r.sessions[identity]
	delete(r.sessions, identity)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.lock.Unlock()
	if ok {
		closeSession(session)
	}
}

func (r *Registry[S]) register(identity string, session S) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		closeSession(session)
		return ErrClosed
	}
	r.sessions[identity] = session
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return nil
}

// connect dials a new session and registers it. The caller must hold the identity lock.
func (r *Registry[S]) connect(ctx context.Context, creds Credentials) (S, error) {
	var zero S
	session, err := r.dial(ctx, creds)
	metrics.Logins.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		log.Warning("Login for %s failed: %s", creds.Username, err)
		return zero, err
	}
	if err := r.register(creds.Identity(), session); err != nil {
		return zero, err
	}
	log.Info("Logged in as %s", creds.Username)
	return session, nil
}

// GetOrCreate returns the registered session for creds if it is still connected. Otherwise it
// discards the old session (if any) and dials a new one. A failed dial leaves no session
// registered.
func (r *Registry[S]) GetOrCreate(ctx context.Context, creds Credentials) (S, error) {
	var zero S
	identity := creds.Identity()
	if err := r.lockIdentity(ctx, identity); err != nil {
		return zero, err
	}
	defer r.unlockIdentity(identity)

	session, ok, err := r.lookup(identity)
	if err != nil {
		return zero, err
	}
	if ok {
		if usable(session) {
			return session, nil
		}
		log.Info("Session for %s is no longer connected", creds.Username)
		r.remove(identity)
	}
	return r.connect(ctx, creds)
}

// ForceReconnect replaces the session for creds with a newly dialed one, even if the current
// session reports that it is connected. Removal and dialing happen under a single acquisition of
// the identity lock, so no other caller can observe the identity without a session in between.
func (r *Registry[S]) ForceReconnect(ctx context.Context, creds Credentials) (S, error) {
	var zero S
	identity := creds.Identity()
	if err := r.lockIdentity(ctx, identity); err != nil {
		return zero, err
	}
	defer r.unlockIdentity(identity)

	if _, _, err := r.lookup(identity); err != nil {
		return zero, err
	}
	metrics.Reconnects.Inc()
	log.Warning("Forcing new login for %s", creds.Username)
	r.remove(identity)
	return r.connect(ctx, creds)
}

// Invalidate discards the session for creds. It is safe to call when no session exists.
func (r *Registry[S]) Invalidate(creds Credentials) {
	r.remove(creds.Identity())
}

// Lookup returns the registered session for creds without dialing.
func (r *Registry[S]) Lookup(creds Credentials) (S, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	session, ok := r.sessions[creds.Identity()]
	return session, ok
}

// Retain records that a device uses creds. Sessions stay registered until every device that
// retained them has called Release.
func (r *Registry[S]) Retain(creds Credentials) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.refs[creds.Identity()]++
	return nil
}

// Release undoes Retain. Releasing the last reference to creds invalidates its session.
func (r *Registry[S]) Release(creds Credentials) {
	identity := creds.Identity()
	r.lock.Lock()
	count := r.refs[identity] - 1
	if count > 0 {
		r.refs[identity] = count
		r.lock.Unlock()
		return
	}
	delete(r.refs, identity)
	r.lock.Unlock()
	r.remove(identity)
}

// Len returns the number of registered sessions.
func (r *Registry[S]) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sessions)
}

// Close discards every session. Subsequent operations return ErrClosed.
func (r *Registry[S]) Close() {
	r.lock.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]S)
	r.refs = make(map[string]int)
	r.closed = true
	metrics.ActiveSessions.Set(0)
	r.lock.Unlock()

	for _, session := range sessions {
		closeSession(session)
	}
}
