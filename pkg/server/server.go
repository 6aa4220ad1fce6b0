// Package server exposes device snapshots and commands over HTTP.
//
// Read endpoints are always available. Property writes and service invocations require an HS256
// bearer token signed with the server's secret, and are disabled when no secret is configured.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/pkg/coordinator"
	"github.com/neakasa/neakasa-go/pkg/protocol"
)

const (
	DefaultTimeout      = 30 * time.Second
	maxRequestBodyBytes = 512
	requestIDHeader     = "X-Request-ID"
)

// Device is a device exposed by the server. *coordinator.Coordinator implements Device.
type Device interface {
	DeviceID() string
	Name() string
	Latest() (coordinator.Snapshot, bool)
	SetProperty(ctx context.Context, key string, value int) (coordinator.Snapshot, error)
	InvokeService(ctx context.Context, name string) error
}

// Response is the body of every API reply.
type Response struct {
	Response interface{} `json:"response,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// DeviceSummary is an entry of the device list.
type DeviceSummary struct {
	DeviceID  string `json:"deviceId"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// PropertyRequest is the body of a property write.
type PropertyRequest struct {
	Value int `json:"value"`
}

// Server is an http.Handler for the status API.
type Server struct {
	// Timeout bounds commands sent to devices.
	Timeout time.Duration

	secret  []byte
	devices map[string]Device
	order   []string
	router  http.Handler
}

// New returns a Server for devices. An empty secret disables write endpoints.
func New(secret []byte, devices ...Device) *Server {
	s := &Server{
		Timeout: DefaultTimeout,
		secret:  secret,
		devices: make(map[string]Device),
	}
	for _, d := range devices {
		s.devices[d.DeviceID()] = d
		s.order = append(s.order, d.DeviceID())
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Put("/properties/{key}", s.handleSetProperty)
				r.Post("/services/{name}", s.handleInvokeService)
			})
		})
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

type contextKey string

const ctxKeyRequestID contextKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := req.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(req.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func logf(req *http.Request, format string, a ...interface{}) {
	requestID, _ := req.Context().Value(ctxKeyRequestID).(string)
	log.Debug("[%s] "+format, append([]interface{}{requestID}, a...)...)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		logf(req, "%s %s (%s)", req.Method, req.URL.Path, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, reply *Response) {
	jsonBytes, err := json.Marshal(reply)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{Error: http.StatusText(code)}
	if err != nil {
		reply.Error = err.Error()
	}
	if code >= http.StatusInternalServerError {
		log.Error("Returning error %s: %s", http.StatusText(code), reply.Error)
	}
	writeJSON(w, code, &reply)
}

// statusFor maps a device error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownProperty), errors.Is(err, coordinator.ErrUnknownService):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case coordinator.IsUpdateFailed(err), protocol.IsAuthError(err), protocol.IsConnectionError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) device(w http.ResponseWriter, req *http.Request) (Device, bool) {
	id := chi.URLParam(req, "id")
	d, ok := s.devices[id]
	if !ok {
		writeJSONError(w, http.StatusNotFound, errors.New("unknown device "+id))
	}
	return d, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	available := 0
	for _, d := range s.devices {
		if _, ok := d.Latest(); ok {
			available++
		}
	}
	writeJSON(w, http.StatusOK, &Response{Response: map[string]interface{}{
		"status":    "ok",
		"devices":   len(s.devices),
		"available": available,
	}})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	summaries := make([]DeviceSummary, 0, len(s.order))
	for _, id := range s.order {
		d := s.devices[id]
		_, ok := d.Latest()
		summaries = append(summaries, DeviceSummary{DeviceID: id, Name: d.Name(), Available: ok})
	}
	writeJSON(w, http.StatusOK, &Response{Response: summaries})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, req *http.Request) {
	d, ok := s.device(w, req)
	if !ok {
		return
	}
	snapshot, ok := d.Latest()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("device has not been polled yet"))
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: snapshot})
}

func (s *Server) handleSetProperty(w http.ResponseWriter, req *http.Request) {
	d, ok := s.device(w, req)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	var params PropertyRequest
	if err := json.Unmarshal(body, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if params.Value != 0 && params.Value != 1 {
		writeJSONError(w, http.StatusBadRequest, errors.New("value must be 0 or 1"))
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.Timeout)
	defer cancel()
	snapshot, err := d.SetProperty(ctx, chi.URLParam(req, "key"), params.Value)
	if err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: snapshot})
}

func (s *Server) handleInvokeService(w http.ResponseWriter, req *http.Request) {
	d, ok := s.device(w, req)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), s.Timeout)
	defer cancel()
	if err := d.InvokeService(ctx, chi.URLParam(req, "name")); err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: map[string]bool{"result": true}})
}
