package account_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/neakasa/neakasa-go/internal/encryption"
	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/protocol"
	"github.com/neakasa/neakasa-go/pkg/registry"
)

const (
	baseURL    = "https://cloud.example.com"
	userID     = "user-1"
	sessionKey = "0123456789abcdef"
	sessionIV  = "fedcba9876543210"
	iotID      = "iot-0001"
)

func encode(plaintext string) string {
	ciphertext, err := encryption.New().Encrypt(plaintext)
	Expect(err).NotTo(HaveOccurred())
	return ciphertext
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{"code": 0, "msg": "ok", "data": data}
}

func readJSON(r *http.Request) map[string]interface{} {
	body, err := io.ReadAll(r.Body)
	Expect(err).NotTo(HaveOccurred())
	var decoded map[string]interface{}
	Expect(json.Unmarshal(body, &decoded)).To(Succeed())
	return decoded
}

var _ = Describe("Account", func() {
	var (
		ctx        context.Context
		acct       *account.Account
		loginToken string
		session    *encryption.Cipher
		clock      time.Time
	)

	now := func() time.Time { return clock }
	logins := func() int {
		return httpmock.GetCallCountInfo()[http.MethodPost+" "+baseURL+"/api/v1/user/login"]
	}

	registerLogin := func() {
		httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/user/login", func(r *http.Request) (*http.Response, error) {
			body := readJSON(r)
			Expect(body["account"]).To(Equal("alice@example.com"))
			Expect(body["password"]).To(Equal("hunter2"))

			header, err := encryption.New().Decrypt(r.Header.Get("token"))
			Expect(err).NotTo(HaveOccurred())
			Expect(header).To(HavePrefix("@"))
			return httpmock.NewJsonResponse(http.StatusOK, envelope(map[string]string{"token": loginToken}))
		})
		httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/auth", func(r *http.Request) (*http.Response, error) {
			Expect(readJSON(r)["uid"]).To(Equal(encode(userID)))
			return httpmock.NewJsonResponse(http.StatusOK, envelope(map[string]interface{}{
				"iotToken":   "iot-token",
				"identityId": "identity-1",
				"expireIn":   7200,
			}))
		})
	}

	login := func() {
		registerLogin()
		Expect(acct.Login(ctx, "alice@example.com", "hunter2")).To(Succeed())
	}

	BeforeEach(func() {
		httpmock.Activate()
		ctx = context.Background()
		clock = time.Unix(1700000000, 0)
		acct = account.New(account.WithBaseURL(baseURL), account.WithUserAgent("neakasa-test"), account.WithClock(now))
		loginToken = encode(strings.Join([]string{"tok", userID, sessionKey, sessionIV}, encryption.Separator))
		session = encryption.New()
		Expect(session.ApplyLoginResponse(loginToken)).To(Succeed())
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
	})

	Describe("Login", func() {
		It("completes the handshake", func() {
			login()
			Expect(acct.Connected()).To(BeTrue())
			Expect(acct.IoTToken()).To(Equal("iot-token"))
			Expect(acct.IdentityID()).To(Equal("identity-1"))
			Expect(acct.Username()).To(Equal("alice@example.com"))
			Expect(acct.ExpiresAt().IsZero()).To(BeFalse())
		})

		It("sends a user agent", func() {
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/user/login", func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("User-Agent")).To(ContainSubstring("neakasa-test"))
				Expect(r.Header.Get("User-Agent")).To(ContainSubstring("neakasa-go/"))
				return httpmock.NewJsonResponse(http.StatusOK, envelope(map[string]string{"token": ""}))
			})
			Expect(acct.Login(ctx, "alice@example.com", "hunter2")).To(MatchError(protocol.ErrEmptyToken))
		})

		It("rejects bad credentials", func() {
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/user/login",
				httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{"code": 401, "msg": "password incorrect"}))
			err := acct.Login(ctx, "alice@example.com", "wrong")
			Expect(protocol.IsAuthError(err)).To(BeTrue())
			Expect(acct.Connected()).To(BeFalse())
		})

		It("fails on malformed login tokens", func() {
			loginToken = "bm90IGEgYmxvY2s="
			registerLogin()
			err := acct.Login(ctx, "alice@example.com", "hunter2")
			Expect(protocol.IsDecodeError(err)).To(BeTrue())
			Expect(acct.Connected()).To(BeFalse())
		})

		It("requires an IoT token", func() {
			registerLogin()
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/auth",
				httpmock.NewJsonResponderOrPanic(http.StatusOK, envelope(map[string]string{"iotToken": ""})))
			err := acct.Login(ctx, "alice@example.com", "hunter2")
			Expect(protocol.IsAuthError(err)).To(BeTrue())
			Expect(acct.Connected()).To(BeFalse())
		})

		It("reports transport failures as connection errors", func() {
			err := acct.Login(ctx, "alice@example.com", "hunter2")
			Expect(protocol.IsConnectionError(err)).To(BeTrue())
			Expect(protocol.Temporary(err)).To(BeTrue())
		})

		It("works as a registry dialer", func() {
			registerLogin()
			dial := account.Dialer(account.WithBaseURL(baseURL))
			a, err := dial(ctx, registry.Credentials{Username: "alice@example.com", Password: "hunter2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Connected()).To(BeTrue())
		})

		It("expires the session with the IoT token", func() {
			login()
			Expect(acct.ExpiresAt()).To(Equal(clock.Add(7200 * time.Second)))
			clock = clock.Add(7199 * time.Second)
			Expect(acct.Connected()).To(BeTrue())
			clock = clock.Add(time.Second)
			Expect(acct.Connected()).To(BeFalse())
			_, err := acct.Properties(ctx, iotID)
			Expect(err).To(MatchError(protocol.ErrNotConnected))
		})
	})

	Describe("in a registry", func() {
		var sessions *registry.Registry[*account.Account]
		creds := registry.Credentials{Username: "alice@example.com", Password: "hunter2"}

		BeforeEach(func() {
			registerLogin()
			sessions = registry.New(account.Dialer(account.WithBaseURL(baseURL), account.WithClock(now)))
		})

		AfterEach(func() {
			sessions.Close()
		})

		It("reuses a live session", func() {
			first, err := sessions.GetOrCreate(ctx, creds)
			Expect(err).NotTo(HaveOccurred())
			second, err := sessions.GetOrCreate(ctx, creds)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeIdenticalTo(first))
			Expect(logins()).To(Equal(1))
		})

		It("logs in again once the IoT token expires", func() {
			first, err := sessions.GetOrCreate(ctx, creds)
			Expect(err).NotTo(HaveOccurred())
			clock = clock.Add(2 * time.Hour)
			second, err := sessions.GetOrCreate(ctx, creds)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).NotTo(BeIdenticalTo(first))
			Expect(second.Connected()).To(BeTrue())
			Expect(logins()).To(Equal(2))
		})

		It("logs in again after a blank identityId", func() {
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/get",
				httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{"code": 500, "msg": "identityId is blank"}))
			first, err := sessions.GetOrCreate(ctx, creds)
			Expect(err).NotTo(HaveOccurred())
			_, err = first.Properties(ctx, iotID)
			Expect(protocol.ReconnectRequired(err)).To(BeTrue())

			second, err := sessions.GetOrCreate(ctx, creds)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).NotTo(BeIdenticalTo(first))
			Expect(logins()).To(Equal(2))
		})
	})

	Describe("device operations", func() {
		It("requires a login", func() {
			_, err := acct.Properties(ctx, iotID)
			Expect(err).To(MatchError(protocol.ErrNotConnected))
		})

		Context("after login", func() {
			BeforeEach(login)

			It("authenticates with the session cipher", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/get", func(r *http.Request) (*http.Response, error) {
					Expect(readJSON(r)["iotId"]).To(Equal(iotID))
					Expect(r.Header.Get("iotToken")).To(Equal("iot-token"))
					header, err := session.Decrypt(r.Header.Get("token"))
					Expect(err).NotTo(HaveOccurred())
					Expect(header).To(HavePrefix("tok@"))
					return httpmock.NewJsonResponse(http.StatusOK, envelope(map[string]interface{}{
						"bucketStatus": map[string]interface{}{"value": 2, "time": 1700000000000},
						"catLeft":      map[string]interface{}{"value": map[string]int{"stayTime": 31}, "time": 1700000001000},
					}))
				})
				properties, err := acct.Properties(ctx, iotID)
				Expect(err).NotTo(HaveOccurred())
				Expect(properties).To(HaveKey("bucketStatus"))
				Expect(string(properties["bucketStatus"].Value)).To(Equal("2"))
				Expect(properties["catLeft"].Time).To(Equal(int64(1700000001000)))
			})

			It("lists litter boxes", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/devices",
					httpmock.NewJsonResponderOrPanic(http.StatusOK, envelope([]map[string]string{
						{"iotId": iotID, "deviceName": "M1-0001", "categoryKey": "CatLitter"},
						{"iotId": "iot-0002", "deviceName": "F1-0002", "categoryKey": "PetFeeder"},
						{"iotId": "", "deviceName": "ghost", "categoryKey": "CatLitter"},
					})))
				devices, err := acct.Devices(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(devices).To(HaveLen(3))
				boxes := account.FilterLitterBoxes(devices)
				Expect(boxes).To(HaveLen(1))
				Expect(boxes[0].DeviceName).To(Equal("M1-0001"))
				Expect(boxes[0].DisplayName()).To(Equal("M1-0001"))
			})

			It("writes properties", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/set", func(r *http.Request) (*http.Response, error) {
					body := readJSON(r)
					Expect(body["items"]).To(Equal(map[string]interface{}{"childLockOnOff": float64(1)}))
					return httpmock.NewJsonResponse(http.StatusOK, envelope(nil))
				})
				Expect(acct.SetProperties(ctx, iotID, map[string]interface{}{"childLockOnOff": 1})).To(Succeed())
			})

			It("invokes services", func() {
				var identifiers []string
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/service/invoke", func(r *http.Request) (*http.Response, error) {
					identifiers = append(identifiers, readJSON(r)["identifier"].(string))
					return httpmock.NewJsonResponse(http.StatusOK, envelope(nil))
				})
				Expect(acct.CleanNow(ctx, iotID)).To(Succeed())
				Expect(acct.SandLeveling(ctx, iotID)).To(Succeed())
				Expect(identifiers).To(Equal([]string{"cleanNow", "sandLeveling"}))
			})

			It("fetches records by device name", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/records", func(r *http.Request) (*http.Response, error) {
					Expect(readJSON(r)["deviceName"]).To(Equal("M1-0001"))
					return httpmock.NewJsonResponse(http.StatusOK, envelope(map[string]interface{}{
						"cat_list":    []map[string]interface{}{{"id": "c1", "name": "Milo"}},
						"record_list": []map[string]interface{}{{"cat_id": "c1", "start_time": 10, "end_time": 40}},
					}))
				})
				records, err := acct.Records(ctx, "M1-0001")
				Expect(err).NotTo(HaveOccurred())
				Expect(records.Cats).To(Equal([]account.Cat{{ID: "c1", Name: "Milo"}}))
				Expect(records.Records).To(Equal([]account.Record{{CatID: "c1", StartTime: 10, EndTime: 40}}))
			})

			It("drops the session on HTTP 401", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/get",
					httpmock.NewStringResponder(http.StatusUnauthorized, "unauthorized"))
				_, err := acct.Properties(ctx, iotID)
				Expect(protocol.IsAuthError(err)).To(BeTrue())
				Expect(acct.Connected()).To(BeFalse())
			})

			It("drops the session when the token expires", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/get",
					httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{"code": 1001, "msg": "Token expired"}))
				_, err := acct.Properties(ctx, iotID)
				Expect(protocol.IsAuthError(err)).To(BeTrue())
				Expect(acct.Connected()).To(BeFalse())
			})

			It("flags a blank identityId as requiring reconnect", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/get",
					httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{"code": 500, "msg": "identityId is blank"}))
				_, err := acct.Properties(ctx, iotID)
				Expect(protocol.IsConnectionError(err)).To(BeTrue())
				Expect(protocol.ReconnectRequired(err)).To(BeTrue())
				Expect(acct.Connected()).To(BeFalse())
			})

			It("flags a blank identityId carried by an error status", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/get",
					httpmock.NewStringResponder(http.StatusInternalServerError, "identityId is blank"))
				_, err := acct.Properties(ctx, iotID)
				Expect(protocol.IsConnectionError(err)).To(BeTrue())
				Expect(protocol.Temporary(err)).To(BeTrue())
				Expect(protocol.ReconnectRequired(err)).To(BeTrue())
				Expect(acct.Connected()).To(BeFalse())
			})

			It("reports server errors as temporary", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/get",
					httpmock.NewStringResponder(http.StatusBadGateway, "bad gateway"))
				_, err := acct.Properties(ctx, iotID)
				Expect(protocol.IsConnectionError(err)).To(BeTrue())
				Expect(protocol.Temporary(err)).To(BeTrue())
				Expect(protocol.ReconnectRequired(err)).To(BeFalse())
				Expect(acct.Connected()).To(BeTrue())
			})

			It("rejects malformed bodies", func() {
				httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/iot/properties/get",
					httpmock.NewStringResponder(http.StatusOK, "<html>"))
				_, err := acct.Properties(ctx, iotID)
				Expect(err).To(MatchError(protocol.ErrBadResponse))
			})

			It("disconnects on Close", func() {
				Expect(acct.Close()).To(Succeed())
				Expect(acct.Connected()).To(BeFalse())
			})
		})
	})
})
