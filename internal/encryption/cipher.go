// Package encryption implements the symmetric handshake used to authenticate with the Neakasa
// cloud service.
//
// The service uses AES-CBC with zero padding. A login starts under a fixed, process-wide key and
// IV; the server's login response carries a rotating token and (optionally) a replacement key and
// IV that are used for the rest of the session. Zero padding is not reversible: plaintexts that end
// in NUL bytes lose those bytes on decryption. This matches the server and must not be changed.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/neakasa/neakasa-go/pkg/protocol"
)

// Separator delimits the fields of auth tokens and login responses.
const Separator = "@"

var (
	// DefaultKey is the AES key every session starts with.
	DefaultKey = []byte("Vp8Iu1pa2Gp3ZRok")
	// DefaultIV is the AES IV every session starts with.
	DefaultIV = []byte("u6lO5ke9ZkH0Xx3Y")
)

// Cipher holds the mutable key/IV/token triple of one session.
//
// A Cipher is owned by a single account and is not safe for concurrent use.
type Cipher struct {
	key    []byte
	iv     []byte
	token  string
	userID string
	uid    string

	// now is var instead of time.Now to facilitate testing
	now func() time.Time
}

// New returns a Cipher initialized with DefaultKey and DefaultIV.
func New() *Cipher {
	c := &Cipher{now: time.Now}
	c.Reset()
	return c
}

// Reset restores the default key and IV and clears the token and user identifiers.
func (c *Cipher) Reset() {
	c.key = bytes.Clone(DefaultKey)
	c.iv = bytes.Clone(DefaultIV)
	c.token = ""
	c.userID = ""
	c.uid = ""
}

// Token returns the current rotating token.
func (c *Cipher) Token() string {
	return c.token
}

// UserID returns the user identifier from the last login response.
func (c *Cipher) UserID() string {
	return c.userID
}

// UID returns the user identifier encrypted under the default key.
func (c *Cipher) UID() string {
	return c.uid
}

func validKeyLength(n int) bool {
	return n == 16 || n == 24 || n == 32
}

func (c *Cipher) block() (cipher.Block, error) {
	if !validKeyLength(len(c.key)) {
		return nil, &protocol.DecodeError{Reason: fmt.Sprintf("invalid AES key length %d", len(c.key))}
	}
	if len(c.iv) != aes.BlockSize {
		return nil, &protocol.DecodeError{Reason: fmt.Sprintf("invalid AES IV length %d", len(c.iv))}
	}
	return aes.NewCipher(c.key)
}

func zeroPad(data []byte) []byte {
	padLength := (aes.BlockSize - len(data)%aes.BlockSize) % aes.BlockSize
	return append(data, make([]byte, padLength)...)
}

// Encrypt zero-pads plaintext to a block boundary, encrypts it with AES-CBC under the current key
// and IV, and returns the standard base64 encoding of the ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := c.block()
	if err != nil {
		return "", err
	}
	padded := zeroPad([]byte(plaintext))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Spaces in the input are treated as '+' characters, which are commonly
// mangled when tokens pass through query strings. All trailing NUL bytes are removed.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(ciphertext, " ", "+"))
	if err != nil {
		return "", &protocol.DecodeError{Reason: "malformed base64", Err: err}
	}
	if len(raw)%aes.BlockSize != 0 {
		return "", &protocol.DecodeError{Reason: fmt.Sprintf("ciphertext length %d is not a multiple of %d", len(raw), aes.BlockSize)}
	}
	block, err := c.block()
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plaintext, raw)
	plaintext = bytes.TrimRight(plaintext, "\x00")
	if !utf8.Valid(plaintext) {
		return "", &protocol.DecodeError{Reason: "plaintext is not valid UTF-8"}
	}
	return string(plaintext), nil
}

// timestamp returns the current time in seconds with six decimal places.
func (c *Cipher) timestamp() string {
	now := c.now()
	return fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/1000)
}

// AuthToken returns the value of the token header attached to outbound requests: the encryption
// of "<token>@<timestamp>".
func (c *Cipher) AuthToken() (string, error) {
	return c.Encrypt(c.token + Separator + c.timestamp())
}

// ApplyLoginResponse decodes a login response of the form "token@userid@key@iv" and installs the
// result. Trailing fields may be omitted, in which case the corresponding values keep their
// defaults. The cipher is reset before decoding, so the response is always decrypted under the
// default key.
func (c *Cipher) ApplyLoginResponse(loginToken string) error {
	c.Reset()

	plaintext, err := c.Decrypt(loginToken)
	if err != nil {
		return err
	}
	parts := strings.Split(plaintext, Separator)

	next := Cipher{
		key:   c.key,
		iv:    c.iv,
		token: parts[0],
		now:   c.now,
	}
	if len(parts) >= 2 {
		next.userID = parts[1]
		// The uid is always derived under the default key, before the response can replace it.
		if next.uid, err = c.Encrypt(parts[1]); err != nil {
			return err
		}
	}
	if len(parts) >= 3 {
		if !validKeyLength(len(parts[2])) {
			return &protocol.DecodeError{Reason: fmt.Sprintf("login response carries AES key of length %d", len(parts[2]))}
		}
		next.key = []byte(parts[2])
	}
	if len(parts) >= 4 {
		if len(parts[3]) != aes.BlockSize {
			return &protocol.DecodeError{Reason: fmt.Sprintf("login response carries AES IV of length %d", len(parts[3]))}
		}
		next.iv = []byte(parts[3])
	}

	*c = next
	return nil
}
