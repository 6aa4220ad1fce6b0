package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/pkg/protocol"
)

// MaxResponseLength caps the byte-length of accepted response bodies.
const MaxResponseLength = 1 << 20

// Envelope codes.
const (
	codeOK           = 0
	codeUnauthorized = 401
)

// HTTPError is returned when the service responds with an unexpected HTTP status.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.Code), e.Message)
}

func (e *HTTPError) Temporary() bool {
	return e.Code >= 500 ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests
}

// envelope wraps every response body.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func isTokenFault(message string) bool {
	message = strings.ToLower(message)
	return strings.Contains(message, "token") &&
		(strings.Contains(message, "expired") || strings.Contains(message, "invalid"))
}

func connectionError(err error, temporary bool) error {
	return &protocol.ConnectionError{Err: err, PossibleTemporary: temporary}
}

// send POSTs payload to endpoint and decodes the data field of the response into out, which may be
// nil. headers are added to the request. Errors that require a new login disconnect the account.
func (a *Account) send(ctx context.Context, endpoint string, headers map[string]string, payload, out interface{}) error {
	err := a.post(ctx, endpoint, headers, payload, out)
	if protocol.ReconnectRequired(err) {
		a.markDisconnected()
	}
	return err
}

func (a *Account) post(ctx context.Context, endpoint string, headers map[string]string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(a.BaseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	log.Debug("Sending request to %s", url)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return connectionError(fmt.Errorf("error constructing request to %s: %w", endpoint, err), false)
	}
	request.Header.Set("User-Agent", a.UserAgent)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := a.client.Do(request)
	if err != nil {
		return connectionError(fmt.Errorf("error sending request to %s: %w", endpoint, err), true)
	}
	defer response.Body.Close()

	reader := io.LimitedReader{R: response.Body, N: MaxResponseLength + 1}
	body, err = io.ReadAll(&reader)
	if err != nil {
		return connectionError(fmt.Errorf("error reading response from %s: %w", endpoint, err), true)
	}
	if len(body) > MaxResponseLength {
		return connectionError(fmt.Errorf("response from %s exceeds maximum length", endpoint), false)
	}
	log.Debug("Server returned %d: %s", response.StatusCode, http.StatusText(response.StatusCode))

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return &protocol.AuthError{Err: &HTTPError{Code: response.StatusCode, Message: strings.TrimSpace(string(body))}}
	case response.StatusCode != http.StatusOK:
		httpErr := &HTTPError{Code: response.StatusCode, Message: strings.TrimSpace(string(body))}
		return &protocol.ConnectionError{
			Err:                    httpErr,
			PossibleTemporary:      httpErr.Temporary(),
			PossibleCorruptSession: strings.Contains(httpErr.Message, protocol.IdentityBlankMessage),
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return connectionError(fmt.Errorf("%w from %s: %s", protocol.ErrBadResponse, endpoint, err), false)
	}
	if env.Code != codeOK {
		message := fmt.Sprintf("%s returned code %d: %s", endpoint, env.Code, env.Message)
		if env.Code == codeUnauthorized || isTokenFault(env.Message) {
			return protocol.NewAuthError(message)
		}
		return protocol.NewConnectionError(message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return connectionError(fmt.Errorf("%w from %s: %s", protocol.ErrBadResponse, endpoint, err), false)
	}
	return nil
}
