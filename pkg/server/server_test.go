package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/neakasa/neakasa-go/pkg/coordinator"
	"github.com/neakasa/neakasa-go/pkg/protocol"
	"github.com/neakasa/neakasa-go/pkg/server"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type fakeDevice struct {
	id       string
	latest   *coordinator.Snapshot
	services []string
	err      error
}

func (d *fakeDevice) DeviceID() string { return d.id }
func (d *fakeDevice) Name() string     { return "Box " + d.id }

func (d *fakeDevice) Latest() (coordinator.Snapshot, bool) {
	if d.latest == nil {
		return coordinator.Snapshot{}, false
	}
	return *d.latest, true
}

func (d *fakeDevice) SetProperty(_ context.Context, key string, value int) (coordinator.Snapshot, error) {
	if d.err != nil {
		return coordinator.Snapshot{}, d.err
	}
	if !coordinator.IsSwitch(key) {
		return coordinator.Snapshot{}, coordinator.ErrUnknownProperty
	}
	next, err := d.latest.With(key, value)
	if err != nil {
		return coordinator.Snapshot{}, err
	}
	d.latest = &next
	return next, nil
}

func (d *fakeDevice) InvokeService(_ context.Context, name string) error {
	if d.err != nil {
		return d.err
	}
	if name != coordinator.ServiceClean && name != coordinator.ServiceLevel {
		return coordinator.ErrUnknownService
	}
	d.services = append(d.services, name)
	return nil
}

type reply struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
}

var _ = Describe("Server", func() {
	var (
		polled  *fakeDevice
		pending *fakeDevice
		s       *server.Server
		token   string
	)

	send := func(method, path, auth, body string) (*httptest.ResponseRecorder, reply) {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		var r reply
		Expect(json.Unmarshal(rr.Body.Bytes(), &r)).To(Succeed())
		return rr, r
	}

	BeforeEach(func() {
		polled = &fakeDevice{id: "iot-1", latest: &coordinator.Snapshot{DeviceID: "iot-1", SandLevelPercent: 63}}
		pending = &fakeDevice{id: "iot-2"}
		s = server.New(secret, polled, pending)
		var err error
		token, err = server.IssueToken(secret, "tester", time.Minute)
		Expect(err).NotTo(HaveOccurred())
	})

	It("reports health", func() {
		rr, r := send(http.MethodGet, "/health", "", "")
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(string(r.Response)).To(MatchJSON(`{"status":"ok","devices":2,"available":1}`))
		Expect(rr.Header().Get("X-Request-ID")).NotTo(BeEmpty())
	})

	It("keeps the caller's request id", func() {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "abc")
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		Expect(rr.Header().Get("X-Request-ID")).To(Equal("abc"))
	})

	It("serves metrics", func() {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Body.String()).To(ContainSubstring("go_goroutines"))
	})

	It("lists devices in configuration order", func() {
		rr, r := send(http.MethodGet, "/api/v1/devices", "", "")
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(string(r.Response)).To(MatchJSON(`[
			{"deviceId":"iot-1","name":"Box iot-1","available":true},
			{"deviceId":"iot-2","name":"Box iot-2","available":false}
		]`))
	})

	Describe("GET device", func() {
		It("returns the latest snapshot", func() {
			rr, r := send(http.MethodGet, "/api/v1/devices/iot-1", "", "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			var snapshot coordinator.Snapshot
			Expect(json.Unmarshal(r.Response, &snapshot)).To(Succeed())
			Expect(snapshot.SandLevelPercent).To(Equal(63))
		})

		It("is unavailable before the first poll", func() {
			rr, _ := send(http.MethodGet, "/api/v1/devices/iot-2", "", "")
			Expect(rr.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("rejects unknown devices", func() {
			rr, r := send(http.MethodGet, "/api/v1/devices/iot-9", "", "")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
			Expect(r.Error).To(ContainSubstring("iot-9"))
		})
	})

	Describe("writes", func() {
		It("sets a property", func() {
			rr, r := send(http.MethodPut, "/api/v1/devices/iot-1/properties/childLockOnOff", token, `{"value":1}`)
			Expect(rr.Code).To(Equal(http.StatusOK))
			var snapshot coordinator.Snapshot
			Expect(json.Unmarshal(r.Response, &snapshot)).To(Succeed())
			Expect(snapshot.ChildLock).To(BeTrue())
		})

		It("invokes a service", func() {
			rr, _ := send(http.MethodPost, "/api/v1/devices/iot-1/services/clean", token, "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(polled.services).To(Equal([]string{coordinator.ServiceClean}))
		})

		DescribeTable("rejects bad requests",
			func(method, path, body string, code int) {
				rr, _ := send(method, path, token, body)
				Expect(rr.Code).To(Equal(code))
			},
			Entry("unknown property", http.MethodPut, "/api/v1/devices/iot-1/properties/Sand", `{"value":1}`, http.StatusBadRequest),
			Entry("bad value", http.MethodPut, "/api/v1/devices/iot-1/properties/autoBury", `{"value":2}`, http.StatusBadRequest),
			Entry("malformed body", http.MethodPut, "/api/v1/devices/iot-1/properties/autoBury", `on`, http.StatusBadRequest),
			Entry("unknown service", http.MethodPost, "/api/v1/devices/iot-1/services/dance", "", http.StatusBadRequest),
			Entry("unknown device", http.MethodPost, "/api/v1/devices/iot-9/services/clean", "", http.StatusNotFound),
		)

		It("maps device failures to a gateway error", func() {
			polled.err = &coordinator.UpdateFailedError{Device: "iot-1", Reason: coordinator.ReasonConnection, Err: protocol.NewConnectionError("timeout")}
			rr, _ := send(http.MethodPost, "/api/v1/devices/iot-1/services/clean", token, "")
			Expect(rr.Code).To(Equal(http.StatusBadGateway))
		})

		It("requires a token", func() {
			rr, _ := send(http.MethodPost, "/api/v1/devices/iot-1/services/clean", "", "")
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
			Expect(polled.services).To(BeEmpty())
		})

		It("rejects tokens signed with another secret", func() {
			forged, err := server.IssueToken([]byte("another secret"), "mallory", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			rr, _ := send(http.MethodPost, "/api/v1/devices/iot-1/services/clean", forged, "")
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects expired tokens", func() {
			expired, err := server.IssueToken(secret, "tester", -time.Minute)
			Expect(err).NotTo(HaveOccurred())
			rr, _ := send(http.MethodPost, "/api/v1/devices/iot-1/services/clean", expired, "")
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects tokens without an expiration", func() {
			unbounded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"}).SignedString(secret)
			Expect(err).NotTo(HaveOccurred())
			rr, _ := send(http.MethodPost, "/api/v1/devices/iot-1/services/clean", unbounded, "")
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})

		It("are disabled without a secret", func() {
			s = server.New(nil, polled)
			rr, r := send(http.MethodPost, "/api/v1/devices/iot-1/services/clean", token, "")
			Expect(rr.Code).To(Equal(http.StatusForbidden))
			Expect(r.Error).To(Equal(server.ErrWritesDisabled.Error()))
		})
	})
})
