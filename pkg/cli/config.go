/*
Package cli facilitates building command-line applications that talk to Neakasa litter boxes. It
defines a [Config] type that registers common command-line flags (using the Golang flag package),
reads their environment variable equivalents and loads an optional YAML configuration file.

Account passwords never appear on the command line. They are read from the configuration file,
$NEAKASA_PASSWORD, the system keyring (using [keyring]'s platform-agnostic interface) or an
interactive prompt, in that order.

# Examples

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the account, devices, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	if err := config.LoadFile(); err != nil { // Merges the optional YAML file
		panic(err)
	}
	if err := config.Validate(); err != nil {
		panic(err)
	}
	accounts, err := config.Accounts() // Resolves passwords, prompting if needed
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"gopkg.in/yaml.v3"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/internal/telemetry"
	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/bridge"
	"github.com/neakasa/neakasa-go/pkg/registry"
)

// Environment variable names used by [Config.ReadFromEnvironment] and [Config.LoadFile].
const (
	EnvUsername        = "NEAKASA_USERNAME"
	EnvPassword        = "NEAKASA_PASSWORD"
	EnvDeviceIDs       = "NEAKASA_DEVICE_IDS"
	EnvConfigFile      = "NEAKASA_CONFIG"
	EnvBaseURL         = "NEAKASA_BASE_URL"
	EnvLogLevel        = "NEAKASA_LOG_LEVEL"
	EnvMQTTBroker      = "NEAKASA_MQTT_BROKER"
	EnvMQTTPassword    = "NEAKASA_MQTT_PASSWORD"
	EnvInfluxToken     = "NEAKASA_INFLUXDB_TOKEN"
	EnvTokenSecret     = "NEAKASA_TOKEN_SECRET"
	EnvKeyringType     = "NEAKASA_KEYRING_TYPE"
	EnvKeyringPassword = "NEAKASA_KEYRING_PASSWORD"
	EnvKeyringPath     = "NEAKASA_KEYRING_PATH"
	EnvKeyringDebug    = "NEAKASA_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagAccount Flag = 1 // Enable account options.
	FlagDevices Flag = 2 // Enable device options. Requires FlagAccount.
	FlagFile    Flag = 4 // Enable the configuration file option.
	FlagKeyring Flag = 8 // Enable keyring options.
	FlagAll     Flag = FlagAccount | FlagDevices | FlagFile | FlagKeyring
)

const (
	DefaultPollInterval = 60 * time.Second
	MinPollInterval     = 10 * time.Second
	DefaultListen       = "localhost:8080"
)

var (
	ErrNoAccounts  = errors.New("no account configured (set -username or provide a configuration file)")
	ErrKeyNotFound = keyring.ErrKeyNotFound
	ErrNoPassword  = errors.New("no password available")
)

// DeviceList collects device ids from repeated command-line flags or a comma-separated value.
type DeviceList []string

func (d *DeviceList) Set(value string) error {
	for _, id := range strings.Split(value, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("empty device id in '%s'", value)
		}
		*d = append(*d, id)
	}
	return nil
}

func (d *DeviceList) String() string {
	return strings.Join(*d, ",")
}

// DeviceConfig describes one litter box.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// AccountConfig describes one cloud account and the devices polled through it.
type AccountConfig struct {
	Username string         `yaml:"username"`
	Password string         `yaml:"password"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// Credentials returns the session registry key of the account.
func (a AccountConfig) Credentials() registry.Credentials {
	return registry.Credentials{Username: a.Username, Password: a.Password}
}

// ServerConfig describes the status API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// TokenSecret signs bearer tokens for write endpoints. Writes are disabled when empty.
	TokenSecret string `yaml:"token_secret"`
}

// FileConfig is the layout of the YAML configuration file.
type FileConfig struct {
	LogLevel     string            `yaml:"log_level"`
	BaseURL      string            `yaml:"base_url"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	Accounts     []AccountConfig   `yaml:"accounts"`
	MQTT         *bridge.Config    `yaml:"mqtt"`
	InfluxDB     *telemetry.Config `yaml:"influxdb"`
	Server       *ServerConfig     `yaml:"server"`
}

// Config fields determine which accounts and devices a command uses and how it reaches them.
type Config struct {
	Flags          Flag // Controls which set of environment variables/CLI flags to use.
	ConfigFilename string
	Username       string
	DeviceIDs      DeviceList
	BaseURL        string
	LogLevel       string
	Backend        keyring.Config
	BackendType    backendType
	Debug          bool // Enable keyring debug messages

	// File holds the loaded configuration file, merged with command-line and environment values.
	File FileConfig

	password        *string
	keyringPassword *string
	kr              keyring.Keyring
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
		File: defaultFileConfig(),
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.keyringPasswordFunc
	c.Backend.FilePasswordFunc = c.keyringPasswordFunc
	return &c, nil
}

func defaultFileConfig() FileConfig {
	return FileConfig{
		LogLevel:     "warning",
		BaseURL:      account.DefaultBaseURL,
		PollInterval: DefaultPollInterval,
	}
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagFile) {
		flag.StringVar(&c.ConfigFilename, "config", "", "YAML configuration `file`. Defaults to $NEAKASA_CONFIG.")
	}
	if c.Flags.isSet(FlagAccount) {
		flag.StringVar(&c.Username, "username", "", "Neakasa account `email`. Defaults to $NEAKASA_USERNAME.")
		flag.StringVar(&c.BaseURL, "base-url", "", "Cloud API `URL`. Defaults to $NEAKASA_BASE_URL.")
	}
	if c.Flags.isSet(FlagDevices) {
		if !c.Flags.isSet(FlagAccount) {
			log.Debug("FlagDevices is set but FlagAccount is not. Devices require an account.")
		}
		flag.Var(&c.DeviceIDs, "device", "Device iotId (can be repeated). Defaults to $NEAKASA_DEVICE_IDS.")
	}
	flag.StringVar(&c.LogLevel, "log-level", "", "Log `level` (none|error|warning|info|debug). Defaults to $NEAKASA_LOG_LEVEL.")
	if c.Flags.isSet(FlagKeyring) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $NEAKASA_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() prevents the environment from overriding explicit
// command-line parameters.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagFile) && c.ConfigFilename == "" {
		c.ConfigFilename = os.Getenv(EnvConfigFile)
		log.Debug("Set configuration file to '%s'", c.ConfigFilename)
	}
	if c.Flags.isSet(FlagAccount) {
		if c.Username == "" {
			c.Username = os.Getenv(EnvUsername)
			log.Debug("Set username to '%s'", c.Username)
		}
		if c.BaseURL == "" {
			c.BaseURL = os.Getenv(EnvBaseURL)
		}
		if c.password == nil {
			password := os.Getenv(EnvPassword)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set account password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
	}
	if c.Flags.isSet(FlagDevices) && len(c.DeviceIDs) == 0 {
		if ids := os.Getenv(EnvDeviceIDs); ids != "" {
			if err := c.DeviceIDs.Set(ids); err != nil {
				log.Warning("Ignoring %s: %s", EnvDeviceIDs, err)
				c.DeviceIDs = nil
			}
			log.Debug("Set devices to '%s'", c.DeviceIDs.String())
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = os.Getenv(EnvLogLevel)
	}
	if c.Flags.isSet(FlagKeyring) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.keyringPassword == nil {
			password := os.Getenv(EnvKeyringPassword)
			c.keyringPassword = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
		}
		keyring.Debug = c.Debug
	}
}

// LoadFile merges the configuration file, if any, into c.File. Command-line and environment values
// take precedence over the file; secrets in the environment override the file.
func (c *Config) LoadFile() error {
	if c.ConfigFilename != "" {
		data, err := os.ReadFile(c.ConfigFilename)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		file := defaultFileConfig()
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
		c.File = file
	}
	c.applyOverrides()
	return nil
}

func (c *Config) applyOverrides() {
	if c.LogLevel != "" {
		c.File.LogLevel = c.LogLevel
	}
	if c.BaseURL != "" {
		c.File.BaseURL = c.BaseURL
	}
	if c.Username != "" {
		found := false
		for i := range c.File.Accounts {
			if c.File.Accounts[i].Username == c.Username {
				found = true
				c.File.Accounts[i].Devices = mergeDevices(c.File.Accounts[i].Devices, c.DeviceIDs)
			}
		}
		if !found {
			c.File.Accounts = append(c.File.Accounts, AccountConfig{
				Username: c.Username,
				Devices:  mergeDevices(nil, c.DeviceIDs),
			})
		}
	}
	if v := os.Getenv(EnvMQTTBroker); v != "" {
		if c.File.MQTT == nil {
			c.File.MQTT = &bridge.Config{}
		}
		c.File.MQTT.Broker = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" && c.File.MQTT != nil {
		c.File.MQTT.Password = v
	}
	if v := os.Getenv(EnvInfluxToken); v != "" && c.File.InfluxDB != nil {
		c.File.InfluxDB.Token = v
	}
	if v := os.Getenv(EnvTokenSecret); v != "" {
		if c.File.Server == nil {
			c.File.Server = &ServerConfig{Listen: DefaultListen}
		}
		c.File.Server.TokenSecret = v
	}
	if c.File.Server != nil && c.File.Server.Listen == "" {
		c.File.Server.Listen = DefaultListen
	}
}

func mergeDevices(devices []DeviceConfig, ids []string) []DeviceConfig {
	for _, id := range ids {
		known := false
		for _, d := range devices {
			if d.ID == id {
				known = true
				break
			}
		}
		if !known {
			devices = append(devices, DeviceConfig{ID: id})
		}
	}
	return devices
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Flags.isSet(FlagAccount) && len(c.File.Accounts) == 0 {
		return ErrNoAccounts
	}
	seen := make(map[string]bool)
	for i, a := range c.File.Accounts {
		if a.Username == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d].username is required", i))
		}
		if c.Flags.isSet(FlagDevices) && len(a.Devices) == 0 {
			errs = append(errs, fmt.Sprintf("account %s has no devices", a.Username))
		}
		for j, d := range a.Devices {
			if d.ID == "" {
				errs = append(errs, fmt.Sprintf("accounts[%d].devices[%d].id is required", i, j))
			} else if seen[d.ID] {
				errs = append(errs, fmt.Sprintf("device %s is configured twice", d.ID))
			}
			seen[d.ID] = true
		}
	}
	if c.File.PollInterval < MinPollInterval {
		errs = append(errs, fmt.Sprintf("poll_interval must be at least %s", MinPollInterval))
	}
	if _, err := log.ParseLevel(c.File.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}
	if m := c.File.MQTT; m != nil {
		if m.Broker == "" {
			errs = append(errs, "mqtt.broker is required")
		}
		if m.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}
	if i := c.File.InfluxDB; i != nil && (i.URL == "" || i.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.File.LogLevel)
	if err != nil {
		return log.LevelWarning
	}
	return level
}

// AccountOptions returns the options used to create cloud clients.
func (c *Config) AccountOptions(app string) []account.Option {
	opts := []account.Option{account.WithUserAgent(app)}
	if c.File.BaseURL != "" {
		opts = append(opts, account.WithBaseURL(c.File.BaseURL))
	}
	return opts
}

// resolvePassword resolves the password of username without consulting the file.
func (c *Config) resolvePassword(username string) (string, error) {
	if username == c.Username && c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	if c.Flags.isSet(FlagKeyring) {
		password, err := c.LoadPassword(username)
		if err == nil {
			return password, nil
		}
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			log.Warning("Could not read keyring: %s", err)
		}
	}
	password, err := PromptPassword("Password for " + username)
	if errors.Is(err, ErrNoTerminal) {
		return "", fmt.Errorf("%w for %s", ErrNoPassword, username)
	}
	return password, err
}

// Accounts returns the configured accounts with their passwords resolved.
func (c *Config) Accounts() ([]AccountConfig, error) {
	accounts := make([]AccountConfig, 0, len(c.File.Accounts))
	for _, a := range c.File.Accounts {
		if a.Password == "" {
			password, err := c.resolvePassword(a.Username)
			if err != nil {
				return nil, err
			}
			a.Password = password
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}
