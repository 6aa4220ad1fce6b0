// Package account implements the Neakasa cloud REST client.
//
// An [Account] logs in with a username and password, then exposes the device-plane operations
// (property reads and writes, service invocations and visit records) for every litter box bound to
// that account. A single Account may be shared by several devices; its methods are safe for
// concurrent use.
package account

import (
	"context"
	_ "embed" // Used to embed version for use with user agent
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/neakasa/neakasa-go/internal/encryption"
	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/pkg/protocol"
	"github.com/neakasa/neakasa-go/pkg/registry"
)

var (
	//go:embed version.txt
	libraryVersion string
)

// DefaultBaseURL is the address of the cloud service.
const DefaultBaseURL = "https://api.neakasa.com"

// DefaultTimeout bounds each HTTP request that doesn't carry an earlier deadline.
const DefaultTimeout = 30 * time.Second

const (
	loginEndpoint   = "api/v1/user/login"
	iotAuthEndpoint = "api/v1/iot/auth"
)

func buildUserAgent(app string) string {
	library := strings.TrimSpace("neakasa-go/" + libraryVersion)
	if app == "" {
		app = appFromBuildInfo()
	}
	if app == "" {
		return library
	}
	return fmt.Sprintf("%s %s", app, library)
}

func appFromBuildInfo() string {
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	path := strings.Split(build.Path, "/")
	app := path[len(path)-1]
	if app == "" {
		return ""
	}

	var version string
	if build.Main.Version != "(devel)" && build.Main.Version != "" {
		version = build.Main.Version
	} else {
		for _, info := range build.Settings {
			if info.Key == "vcs.revision" {
				if len(info.Value) > 8 {
					version = info.Value[0:8]
				}
				break
			}
		}
	}
	if version != "" {
		app = fmt.Sprintf("%s/%s", app, version)
	}
	return app
}

// Account allows interaction with a Neakasa account.
type Account struct {
	// The default UserAgent is constructed from the build info, but can be overridden.
	UserAgent string
	BaseURL   string
	client    *http.Client

	// lock guards the cipher and session fields. The cipher's token rotates on login, and every
	// request derives its auth header from it.
	lock       sync.Mutex
	cipher     *encryption.Cipher
	username   string
	connected  bool
	iotToken   string
	identityID string
	expiresAt  time.Time
	now        func() time.Time
}

type Option func(*Account)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(url string) Option {
	return func(a *Account) { a.BaseURL = url }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Account) { a.client = client }
}

// WithClock replaces time.Now when checking whether the IoT token has expired.
func WithClock(now func() time.Time) Option {
	return func(a *Account) { a.now = now }
}

// WithUserAgent sets the application portion of the User-Agent header.
func WithUserAgent(app string) Option {
	return func(a *Account) { a.UserAgent = buildUserAgent(app) }
}

// New returns an Account that has not logged in.
func New(opts ...Option) *Account {
	a := &Account{
		UserAgent: buildUserAgent(""),
		BaseURL:   DefaultBaseURL,
		client:    &http.Client{Timeout: DefaultTimeout},
		cipher:    encryption.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dialer returns a registry.Dialer that creates Accounts with opts and logs them in.
func Dialer(opts ...Option) registry.Dialer[*Account] {
	return func(ctx context.Context, creds registry.Credentials) (*Account, error) {
		a := New(opts...)
		if err := a.Login(ctx, creds.Username, creds.Password); err != nil {
			return nil, err
		}
		return a, nil
	}
}

// Connected returns true if the account logged in, its IoT token has not expired and the service
// has not rejected its session since.
func (a *Account) Connected() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.usable()
}

// usable must be called with a.lock held.
func (a *Account) usable() bool {
	if !a.connected {
		return false
	}
	return a.expiresAt.IsZero() || a.now().Before(a.expiresAt)
}

// IoTToken returns the device-plane token issued at login.
func (a *Account) IoTToken() string {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.iotToken
}

// IdentityID returns the device-plane identity issued at login.
func (a *Account) IdentityID() string {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.identityID
}

// ExpiresAt returns the time the device-plane token expires, or the zero time if the server didn't
// specify one.
func (a *Account) ExpiresAt() time.Time {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.expiresAt
}

// Username returns the account the session was opened for.
func (a *Account) Username() string {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.username
}

// Close marks the account as disconnected. It never fails.
func (a *Account) Close() error {
	a.markDisconnected()
	return nil
}

func (a *Account) markDisconnected() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.connected = false
}

func (a *Account) authHeaders(device bool) (map[string]string, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if device && !a.usable() {
		return nil, protocol.ErrNotConnected
	}
	token, err := a.cipher.AuthToken()
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"token": token}
	if device {
		headers["iotToken"] = a.iotToken
		headers["identityId"] = a.identityID
	}
	return headers, nil
}

type loginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type iotAuthRequest struct {
	UID string `json:"uid"`
}

type iotAuthResponse struct {
	IoTToken   string `json:"iotToken"`
	IdentityID string `json:"identityId"`
	ExpireIn   int64  `json:"expireIn"`
}

// Login performs the two-step handshake: a user login that rotates the session cipher, followed by
// a device-plane authorization that yields the IoT token. Any previous session state is discarded
// first, so a failed Login leaves the account disconnected.
func (a *Account) Login(ctx context.Context, username, password string) error {
	a.lock.Lock()
	a.cipher.Reset()
	a.username = username
	a.connected = false
	a.iotToken = ""
	a.identityID = ""
	a.expiresAt = time.Time{}
	a.lock.Unlock()

	headers, err := a.authHeaders(false)
	if err != nil {
		return err
	}
	var login loginResponse
	if err := a.send(ctx, loginEndpoint, headers, &loginRequest{Account: username, Password: password}, &login); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if login.Token == "" {
		return protocol.ErrEmptyToken
	}

	a.lock.Lock()
	err = a.cipher.ApplyLoginResponse(login.Token)
	uid := a.cipher.UID()
	a.lock.Unlock()
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if headers, err = a.authHeaders(false); err != nil {
		return err
	}
	var auth iotAuthResponse
	if err := a.send(ctx, iotAuthEndpoint, headers, &iotAuthRequest{UID: uid}, &auth); err != nil {
		return fmt.Errorf("device authorization failed: %w", err)
	}
	if auth.IoTToken == "" {
		return protocol.NewAuthError("server did not issue an IoT token")
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	a.iotToken = auth.IoTToken
	a.identityID = auth.IdentityID
	if auth.ExpireIn > 0 {
		a.expiresAt = a.now().Add(time.Duration(auth.ExpireIn) * time.Second)
	}
	a.connected = true
	log.Debug("Authorized device access for %s", username)
	return nil
}
