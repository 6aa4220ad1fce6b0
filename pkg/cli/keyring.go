package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName     = "com.neakasa.bridge"
	keyringPasswordService = "password"
	keyringDirectory       = "~/.neakasa_keys"
)

var ErrNoTerminal = errors.New("no terminal output available for password prompt")

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

// PromptPassword reads a password from the terminal without echoing it.
func PromptPassword(prompt string) (string, error) {
	var w io.Writer
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		w = os.Stdout
	} else if term.IsTerminal(int(os.Stderr.Fd())) {
		w = os.Stderr
	} else {
		return "", ErrNoTerminal
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

// keyringPasswordFunc unlocks file-backed keyrings.
func (c *Config) keyringPasswordFunc(prompt string) (string, error) {
	if c.keyringPassword != nil && *c.keyringPassword != "" {
		return *c.keyringPassword, nil
	}
	password, err := PromptPassword(prompt)
	if err != nil {
		return "", err
	}
	c.keyringPassword = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	if c.kr != nil {
		return c.kr, nil
	}
	kr, err := keyring.Open(c.Backend)
	if err != nil {
		return nil, err
	}
	c.kr = kr
	return kr, nil
}

func passwordKey(username string) string {
	return keyringPasswordService + "." + username
}

// LoadPassword reads the cloud account password of username from the system keyring.
func (c *Config) LoadPassword(username string) (string, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}
	item, err := kr.Get(passwordKey(username))
	if err != nil {
		return "", fmt.Errorf("could not load password: %w", err)
	}
	return string(item.Data), nil
}

// SavePassword writes the cloud account password of username to the system keyring.
func (c *Config) SavePassword(username, password string) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:   passwordKey(username),
		Label: "Neakasa account " + username,
		Data:  []byte(password),
	}); err != nil {
		return fmt.Errorf("failed to enroll password in keyring: %w", err)
	}
	return nil
}

// DeletePassword removes the password of username from the system keyring.
func (c *Config) DeletePassword(username string) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(passwordKey(username))
}
