package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/neakasa/neakasa-go/mocks"
	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/coordinator"
	"github.com/neakasa/neakasa-go/pkg/protocol"
	"github.com/neakasa/neakasa-go/pkg/registry"
)

const (
	deviceID   = "iot-0001"
	deviceName = "M1-0001"
)

var creds = registry.Credentials{Username: "alice@example.com", Password: "hunter2"}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func deviceProperties(visit int64) account.Properties {
	return account.Properties{
		coordinator.PropertyBinFullWaitReset: {Value: raw(`1`)},
		coordinator.PropertySand:             {Value: raw(`{"percent":63,"level":2}`)},
		coordinator.PropertyBucketStatus:     {Value: raw(`0`)},
		coordinator.PropertyRoomOfBin:        {Value: raw(`0`)},
		coordinator.PropertyCatLeft:          {Value: raw(`{"stayTime":42}`), Time: visit},
		coordinator.PropertyChildLock:        {Value: raw(`1`)},
		coordinator.PropertySilentMode:       {Value: raw(`0`)},
		coordinator.PropertyNetworkStatus:    {Value: raw(`{"WiFi_RSSI":-61}`)},
	}
}

var devices = []account.Device{
	{IotID: "iot-other", DeviceName: "M1-9999", CategoryKey: account.LitterBoxCategory},
	{IotID: deviceID, DeviceName: deviceName, CategoryKey: account.LitterBoxCategory},
}

var records = account.Records{
	Cats:    []account.Cat{{ID: "c1", Name: "Milo"}},
	Records: []account.Record{{CatID: "c1", StartTime: 100, EndTime: 142}},
}

var _ = Describe("Coordinator", func() {
	var (
		ctrl     *gomock.Controller
		provider *mocks.MockSessionProvider
		session  *mocks.MockSession
		c        *coordinator.Coordinator
		ctx      context.Context
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		provider = mocks.NewMockSessionProvider(ctrl)
		session = mocks.NewMockSession(ctrl)
		ctx = context.Background()
		c = coordinator.New(coordinator.Config{DeviceID: deviceID, Name: "Litter box", Credentials: creds}, provider)
	})

	expectHealthyPoll := func(visit int64) {
		provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().Properties(gomock.Any(), deviceID).Return(deviceProperties(visit), nil)
	}

	Describe("Refresh", func() {
		It("assembles a snapshot", func() {
			expectHealthyPoll(1000)
			session.EXPECT().Devices(gomock.Any()).Return(devices, nil)
			session.EXPECT().Records(gomock.Any(), deviceName).Return(records, nil)

			snapshot, err := c.Refresh(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshot.DeviceID).To(Equal(deviceID))
			Expect(snapshot.Name).To(Equal("Litter box"))
			Expect(snapshot.BinFullWaitReset).To(BeTrue())
			Expect(snapshot.SandLevelPercent).To(Equal(63))
			Expect(snapshot.SandLevelState).To(Equal(2))
			Expect(snapshot.StayTime).To(Equal(42))
			Expect(snapshot.LastUse).To(Equal(int64(1000)))
			Expect(snapshot.ChildLock).To(BeTrue())
			Expect(snapshot.SilentMode).To(BeFalse())
			Expect(snapshot.WifiRSSI).To(Equal(-61))
			Expect(snapshot.Cats).To(Equal(records.Cats))
			Expect(snapshot.Records).To(Equal(records.Records))

			latest, ok := c.Latest()
			Expect(ok).To(BeTrue())
			Expect(latest).To(Equal(snapshot))
		})

		It("reuses records until a new visit is reported", func() {
			expectHealthyPoll(1000)
			expectHealthyPoll(1000)
			expectHealthyPoll(2000)
			session.EXPECT().Devices(gomock.Any()).Return(devices, nil).Times(1)
			session.EXPECT().Records(gomock.Any(), deviceName).Return(records, nil).Times(2)

			for i := 0; i < 3; i++ {
				_, err := c.Refresh(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("uses a preconfigured device name", func() {
			c = coordinator.New(coordinator.Config{DeviceID: deviceID, DeviceName: deviceName, Credentials: creds}, provider)
			expectHealthyPoll(1000)
			session.EXPECT().Records(gomock.Any(), deviceName).Return(records, nil)
			snapshot, err := c.Refresh(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshot.Name).To(Equal(deviceID))
		})

		It("notifies listeners", func() {
			expectHealthyPoll(1000)
			session.EXPECT().Devices(gomock.Any()).Return(devices, nil)
			session.EXPECT().Records(gomock.Any(), deviceName).Return(records, nil)
			var received []coordinator.Snapshot
			c.OnUpdate(func(s coordinator.Snapshot) { received = append(received, s) })

			_, err := c.Refresh(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(received).To(HaveLen(1))
			Expect(received[0].DeviceID).To(Equal(deviceID))
		})

		DescribeTable("reconnects once",
			func(cause error) {
				stale := mocks.NewMockSession(ctrl)
				provider.EXPECT().Session(gomock.Any(), creds).Return(stale, nil)
				stale.EXPECT().Properties(gomock.Any(), deviceID).Return(nil, cause)
				provider.EXPECT().Reconnect(gomock.Any(), creds).Return(session, nil)
				expectHealthyPoll(1000)
				session.EXPECT().Devices(gomock.Any()).Return(devices, nil)
				session.EXPECT().Records(gomock.Any(), deviceName).Return(records, nil)

				snapshot, err := c.Refresh(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(snapshot.SandLevelPercent).To(Equal(63))
			},
			Entry("after an authentication error", protocol.NewAuthError("token expired")),
			Entry("after a corrupted session", protocol.NewConnectionError(protocol.IdentityBlankMessage)),
		)

		It("does not reconnect after a plain connection error", func() {
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil)
			session.EXPECT().Properties(gomock.Any(), deviceID).Return(nil, protocol.NewConnectionError("timeout"))

			_, err := c.Refresh(ctx)
			var failure *coordinator.UpdateFailedError
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Reason).To(Equal(coordinator.ReasonConnection))
			Expect(failure.Reconnected).To(BeFalse())
			Expect(protocol.IsConnectionError(err)).To(BeTrue())
		})

		It("gives up when the reconnect fails", func() {
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil)
			session.EXPECT().Properties(gomock.Any(), deviceID).Return(nil, protocol.NewAuthError("token expired"))
			provider.EXPECT().Reconnect(gomock.Any(), creds).Return(nil, protocol.NewAuthError("password incorrect"))

			_, err := c.Refresh(ctx)
			var failure *coordinator.UpdateFailedError
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Reason).To(Equal(coordinator.ReasonAuthentication))
			Expect(failure.Reconnected).To(BeTrue())
			Expect(failure.Error()).To(ContainSubstring("reconnection failed"))
		})

		It("gives up when the retry fails", func() {
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil).Times(2)
			session.EXPECT().Properties(gomock.Any(), deviceID).Return(nil, protocol.NewConnectionError(protocol.IdentityBlankMessage)).Times(2)
			provider.EXPECT().Reconnect(gomock.Any(), creds).Return(session, nil).Times(1)

			_, err := c.Refresh(ctx)
			Expect(coordinator.IsUpdateFailed(err)).To(BeTrue())
			Expect(protocol.ReconnectRequired(err)).To(BeTrue())
		})

		It("reports a session that cannot be opened", func() {
			provider.EXPECT().Session(gomock.Any(), creds).Return(nil, protocol.NewConnectionError("dial tcp: no route to host"))
			_, err := c.Refresh(ctx)
			Expect(coordinator.IsUpdateFailed(err)).To(BeTrue())
			_, ok := c.Latest()
			Expect(ok).To(BeFalse())
		})

		It("reports missing properties as no data", func() {
			props := deviceProperties(1000)
			delete(props, coordinator.PropertySand)
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil)
			session.EXPECT().Properties(gomock.Any(), deviceID).Return(props, nil)
			session.EXPECT().Devices(gomock.Any()).Return(devices, nil)
			session.EXPECT().Records(gomock.Any(), deviceName).Return(records, nil)

			_, err := c.Refresh(ctx)
			var failure *coordinator.UpdateFailedError
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Reason).To(Equal(coordinator.ReasonNoData))
			Expect(failure.Error()).To(ContainSubstring("got no data"))
		})

		It("reports an unknown device", func() {
			expectHealthyPoll(1000)
			session.EXPECT().Devices(gomock.Any()).Return(devices[:1], nil)

			_, err := c.Refresh(ctx)
			Expect(coordinator.IsUpdateFailed(err)).To(BeTrue())
			Expect(err).To(MatchError(coordinator.ErrDeviceNotFound))
		})

		It("falls back to cached properties during an outage", func() {
			expectHealthyPoll(1000)
			session.EXPECT().Devices(gomock.Any()).Return(devices, nil)
			session.EXPECT().Records(gomock.Any(), deviceName).Return(records, nil)
			first, err := c.Refresh(ctx)
			Expect(err).NotTo(HaveOccurred())

			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil)
			session.EXPECT().Properties(gomock.Any(), deviceID).Return(nil, protocol.NewConnectionError("timeout"))
			second, err := c.Refresh(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.SandLevelPercent).To(Equal(first.SandLevelPercent))
		})
	})

	Describe("SetProperty", func() {
		BeforeEach(func() {
			expectHealthyPoll(1000)
			session.EXPECT().Devices(gomock.Any()).Return(devices, nil)
			session.EXPECT().Records(gomock.Any(), deviceName).Return(records, nil)
			_, err := c.Refresh(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("writes the property and publishes a new snapshot", func() {
			before, _ := c.Latest()
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil)
			session.EXPECT().SetProperties(gomock.Any(), deviceID, map[string]interface{}{coordinator.PropertySilentMode: 1}).Return(nil)
			var received coordinator.Snapshot
			c.OnUpdate(func(s coordinator.Snapshot) { received = s })

			after, err := c.SetProperty(ctx, coordinator.PropertySilentMode, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.SilentMode).To(BeTrue())
			Expect(after.ChildLock).To(Equal(before.ChildLock))
			Expect(received.SilentMode).To(BeTrue())
			Expect(before.SilentMode).To(BeFalse())
		})

		It("reconnects once on authentication errors", func() {
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil).Times(2)
			gomock.InOrder(
				session.EXPECT().SetProperties(gomock.Any(), deviceID, gomock.Any()).Return(protocol.NewAuthError("token expired")),
				session.EXPECT().SetProperties(gomock.Any(), deviceID, gomock.Any()).Return(nil),
			)
			provider.EXPECT().Reconnect(gomock.Any(), creds).Return(session, nil)

			after, err := c.SetProperty(ctx, coordinator.PropertyChildLock, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.ChildLock).To(BeFalse())
		})

		It("rejects read-only properties", func() {
			_, err := c.SetProperty(ctx, coordinator.PropertyBucketStatus, 1)
			Expect(err).To(MatchError(coordinator.ErrUnknownProperty))
		})

		It("keeps the previous snapshot on failure", func() {
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil)
			session.EXPECT().SetProperties(gomock.Any(), deviceID, gomock.Any()).Return(protocol.NewConnectionError("timeout"))
			_, err := c.SetProperty(ctx, coordinator.PropertyAutoBury, 1)
			Expect(err).To(HaveOccurred())
			latest, _ := c.Latest()
			Expect(latest.AutoBury).To(BeFalse())
		})
	})

	Describe("SetProperty before the first refresh", func() {
		It("writes without publishing a partial snapshot", func() {
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil)
			session.EXPECT().SetProperties(gomock.Any(), deviceID, map[string]interface{}{coordinator.PropertyChildLock: 1}).Return(nil)
			published := 0
			c.OnUpdate(func(coordinator.Snapshot) { published++ })

			after, err := c.SetProperty(ctx, coordinator.PropertyChildLock, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.ChildLock).To(BeTrue())
			Expect(published).To(Equal(0))
			_, ok := c.Latest()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("InvokeService", func() {
		It("maps service names to device services", func() {
			provider.EXPECT().Session(gomock.Any(), creds).Return(session, nil).Times(2)
			session.EXPECT().CleanNow(gomock.Any(), deviceID).Return(nil)
			session.EXPECT().SandLeveling(gomock.Any(), deviceID).Return(nil)
			Expect(c.InvokeService(ctx, coordinator.ServiceClean)).To(Succeed())
			Expect(c.InvokeService(ctx, coordinator.ServiceLevel)).To(Succeed())
		})

		It("rejects unknown services", func() {
			Expect(c.InvokeService(ctx, "dance")).To(MatchError(coordinator.ErrUnknownService))
		})
	})
})

var _ = Describe("Snapshot", func() {
	It("copies on With", func() {
		original := coordinator.Snapshot{Cats: []account.Cat{{ID: "c1", Name: "Milo"}}}
		changed, err := original.With(coordinator.PropertyAutoLevel, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed.AutoLevel).To(BeTrue())
		Expect(original.AutoLevel).To(BeFalse())

		changed.Cats[0].Name = "Luna"
		Expect(original.Cats[0].Name).To(Equal("Milo"))
	})

	It("reads switches by property name", func() {
		s, _ := coordinator.Snapshot{}.With(coordinator.PropertyUninterruptedRange, 1)
		on, err := s.Switch(coordinator.PropertyUninterruptedRange)
		Expect(err).NotTo(HaveOccurred())
		Expect(on).To(BeTrue())
		_, err = s.Switch("Sand")
		Expect(err).To(MatchError(coordinator.ErrUnknownProperty))
	})

	It("rejects unknown keys", func() {
		_, err := coordinator.Snapshot{}.With("bogus", 1)
		Expect(err).To(MatchError(coordinator.ErrUnknownProperty))
		Expect(coordinator.IsSwitch(coordinator.PropertyChildLock)).To(BeTrue())
		Expect(coordinator.IsSwitch(coordinator.PropertySand)).To(BeFalse())
	})
})
