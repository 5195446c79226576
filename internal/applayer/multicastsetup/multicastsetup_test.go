package multicastsetup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-applayer-device/internal/applayer"
	"github.com/brocaar/chirpstack-applayer-device/internal/gps"
	"github.com/brocaar/chirpstack-applayer-device/internal/mac"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

type testTimer struct {
	sync.Mutex
	onExpiry func()
	duration time.Duration
	started  bool
}

func (t *testTimer) SetDuration(d time.Duration) {
	t.Lock()
	defer t.Unlock()
	t.started = false
	t.duration = d
}

func (t *testTimer) Start() {
	t.Lock()
	defer t.Unlock()
	t.started = true
}

func (t *testTimer) Stop() {
	t.Lock()
	defer t.Unlock()
	t.started = false
}

func (t *testTimer) IsStarted() bool {
	t.Lock()
	defer t.Unlock()
	return t.started
}

func (t *testTimer) RemainingTime() time.Duration {
	t.Lock()
	defer t.Unlock()
	if !t.started {
		return 0
	}
	return t.duration
}

func (t *testTimer) expire() {
	t.onExpiry()
}

type testSender struct {
	uplinks []applayer.Uplink
	err     error
}

func (s *testSender) SendUplink(ctx context.Context, up applayer.Uplink) error {
	if s.err != nil {
		return s.err
	}
	s.uplinks = append(s.uplinks, up)
	return nil
}

type MulticastSetupTestSuite struct {
	suite.Suite

	now     time.Time
	classes []mac.DeviceClass
	timers  []*testTimer
	mac     *mac.Layer
	sender  *testSender
	pkg     *Package
}

func (ts *MulticastSetupTestSuite) SetupTest() {
	assert := ts.Require()

	b, err := loraband.GetConfig(loraband.Name("EU868"), false, lorawan.DwellTimeNoLimit)
	assert.NoError(err)

	ts.now = time.Unix(1700000000, 0)
	ts.classes = nil
	ts.timers = nil

	ts.mac, err = mac.NewLayer(mac.Config{
		Band:         b,
		MinFrequency: 863000000,
		MaxFrequency: 870000000,
		Clock:        func() time.Time { return ts.now },
		OnClassChange: func(c mac.DeviceClass) {
			ts.classes = append(ts.classes, c)
		},
	})
	assert.NoError(err)

	ts.sender = &testSender{}
	ts.pkg = New(ts.mac, ts.sender, WithTimerFunc(func(onExpiry func()) Timer {
		t := &testTimer{onExpiry: onExpiry}
		ts.timers = append(ts.timers, t)
		return t
	}))
	ts.pkg.Init(make([]byte, 242))
}

func (ts *MulticastSetupTestSuite) startTimer() *testTimer {
	return ts.timers[0]
}

func (ts *MulticastSetupTestSuite) stopTimer() *testTimer {
	return ts.timers[1]
}

func (ts *MulticastSetupTestSuite) downlink(data []byte) error {
	return ts.pkg.OnDownlinkIndication(context.Background(), applayer.DownlinkIndication{
		FPort: Port,
		Data:  data,
	})
}

func (ts *MulticastSetupTestSuite) marshal(cmds ...Command) []byte {
	b, err := Commands(cmds).MarshalBinary()
	ts.Require().NoError(err)
	return b
}

func (ts *MulticastSetupTestSuite) setupGroup(id uint8, addr lorawan.DevAddr) {
	assert := ts.Require()

	assert.NoError(ts.downlink(ts.marshal(Command{
		CID: McGroupSetupReq,
		Payload: &McGroupSetupReqPayload{
			McGroupIDHeader: McGroupIDHeader(id),
			McAddr:          addr,
			MinMcFCnt:       0,
			MaxMcFCnt:       100,
		},
	})))
}

func (ts *MulticastSetupTestSuite) sessionTime(offset int64) uint32 {
	return uint32(ts.mac.Now().Unix() - gps.UnixEpochOffset + offset)
}

func (ts *MulticastSetupTestSuite) lastUplink() applayer.Uplink {
	ts.Require().NotEmpty(ts.sender.uplinks)
	return ts.sender.uplinks[len(ts.sender.uplinks)-1]
}

func (ts *MulticastSetupTestSuite) TestInit() {
	ts.T().Run("timers are created once", func(t *testing.T) {
		assert := require.New(t)

		ts.pkg.Init(make([]byte, 242))
		ts.pkg.Init(nil)
		ts.pkg.Init(make([]byte, 242))
		assert.Len(ts.timers, 2)
		assert.True(ts.pkg.IsInitialized())
	})

	ts.T().Run("nil buffer", func(t *testing.T) {
		assert := require.New(t)

		ts.pkg.Init(nil)
		assert.False(ts.pkg.IsInitialized())
		assert.Equal(ErrNotInitialized, ts.pkg.Process(context.Background()))
		assert.Equal(ErrNotInitialized, ts.downlink([]byte{0x00}))
		assert.False(ts.pkg.StartTimeIsRunning())
	})

	ts.T().Run("not initialized", func(t *testing.T) {
		assert := require.New(t)

		p := New(ts.mac, ts.sender)
		assert.False(p.IsInitialized())
		assert.Equal(ErrNotInitialized, p.Process(context.Background()))
		assert.False(p.StartTimeIsRunning())
	})
}

func (ts *MulticastSetupTestSuite) TestPackageVersion() {
	assert := ts.Require()

	assert.NoError(ts.downlink([]byte{0x00}))
	assert.Equal(applayer.Uplink{FPort: 200, Data: []byte{0x00, 0x02, 0x01}}, ts.lastUplink())
	assert.False(ts.pkg.IsTxPending())
}

func (ts *MulticastSetupTestSuite) TestOtherPortIsIgnored() {
	assert := ts.Require()

	assert.NoError(ts.pkg.OnDownlinkIndication(context.Background(), applayer.DownlinkIndication{
		FPort: 201,
		Data:  []byte{0x00},
	}))
	assert.Empty(ts.sender.uplinks)
}

func (ts *MulticastSetupTestSuite) TestMultipleRequests() {
	tests := []struct {
		Name           string
		Data           []byte
		BufferSize     int
		ExpectedUplink []byte
	}{
		{
			Name:           "version and delete",
			Data:           []byte{0x00, 0x03, 0x02},
			BufferSize:     242,
			ExpectedUplink: []byte{0x00, 0x02, 0x01, 0x03, 0x06},
		},
		{
			Name:           "unknown cid is skipped",
			Data:           []byte{0xff, 0x00},
			BufferSize:     242,
			ExpectedUplink: []byte{0x00, 0x02, 0x01},
		},
		{
			Name:           "truncated request",
			Data:           []byte{0x00, 0x02, 0x01},
			BufferSize:     242,
			ExpectedUplink: []byte{0x00, 0x02, 0x01},
		},
		{
			Name:           "class-b session is consumed",
			Data:           []byte{0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			BufferSize:     242,
			ExpectedUplink: []byte{0x00, 0x02, 0x01},
		},
		{
			Name:           "answers exceeding the buffer are dropped",
			Data:           []byte{0x00, 0x00},
			BufferSize:     4,
			ExpectedUplink: []byte{0x00, 0x02, 0x01},
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			ts.sender.uplinks = nil
			ts.pkg.Init(make([]byte, tst.BufferSize))

			assert.NoError(ts.downlink(tst.Data))
			assert.Len(ts.sender.uplinks, 1)
			assert.Equal(tst.ExpectedUplink, ts.sender.uplinks[0].Data)
		})
	}

	ts.T().Run("no answer", func(t *testing.T) {
		assert := require.New(t)

		ts.sender.uplinks = nil
		ts.pkg.Init(make([]byte, 242))

		assert.NoError(ts.downlink([]byte{0xff}))
		assert.Empty(ts.sender.uplinks)
	})
}

func (ts *MulticastSetupTestSuite) TestMcGroupSetup() {
	addr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}

	ts.T().Run("valid", func(t *testing.T) {
		assert := require.New(t)

		ts.setupGroup(1, addr)
		assert.Equal([]byte{0x02, 0x01}, ts.lastUplink().Data)

		ch, ok := ts.mac.McChannelStatus(1)
		assert.True(ok)
		assert.True(ch.IsRemotelySetup)
		assert.Equal(addr, ch.Address)
		assert.EqualValues(100, ch.FCntMax)
		assert.Equal(addr, ts.pkg.Session(1).Group.McAddr)

		// DeviceTimeReq is queued
		b, err := ts.mac.TakeMACCommands()
		assert.NoError(err)
		assert.Equal([]byte{byte(lorawan.DeviceTimeReq)}, b)
	})

	ts.T().Run("existing group is replaced", func(t *testing.T) {
		assert := require.New(t)

		addr2 := lorawan.DevAddr{0x05, 0x06, 0x07, 0x08}
		ts.setupGroup(1, addr2)
		assert.Equal([]byte{0x02, 0x01}, ts.lastUplink().Data)

		ch, ok := ts.mac.McChannelStatus(1)
		assert.True(ok)
		assert.Equal(addr2, ch.Address)
	})

	ts.T().Run("rejected setup is not stored", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(ts.downlink(ts.marshal(Command{
			CID: McGroupSetupReq,
			Payload: &McGroupSetupReqPayload{
				McGroupIDHeader: McGroupIDHeader(1),
				McAddr:          lorawan.DevAddr{0x0a, 0x0b, 0x0c, 0x0d},
				MinMcFCnt:       100,
				MaxMcFCnt:       10,
			},
		})))
		assert.Equal([]byte{0x02, 0x05}, ts.lastUplink().Data)

		_, ok := ts.mac.McChannelStatus(1)
		assert.False(ok)
		assert.Equal(McGroupContext{}, ts.pkg.Session(1).Group)
	})

	ts.T().Run("rfu bits set", func(t *testing.T) {
		assert := require.New(t)

		ts.setupGroup(0x04|2, addr)
		assert.Equal([]byte{0x02, 0x06}, ts.lastUplink().Data)

		_, ok := ts.mac.McChannelStatus(2)
		assert.False(ok)
	})
}

func (ts *MulticastSetupTestSuite) TestMcGroupSetupMaxGroups() {
	assert := ts.Require()

	m, err := mac.NewLayer(mac.Config{MaxMcGroups: 2})
	assert.NoError(err)
	ts.pkg.mac = m

	ts.setupGroup(3, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})
	assert.Equal([]byte{0x02, 0x07}, ts.lastUplink().Data)

	b, err := m.TakeMACCommands()
	assert.NoError(err)
	assert.Empty(b)
}

func (ts *MulticastSetupTestSuite) TestMcGroupDelete() {
	ts.T().Run("undefined", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(ts.downlink([]byte{0x03, 0x01}))
		assert.Equal([]byte{0x03, 0x05}, ts.lastUplink().Data)
	})

	ts.T().Run("defined", func(t *testing.T) {
		assert := require.New(t)

		ts.setupGroup(1, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})
		assert.NoError(ts.downlink([]byte{0x03, 0x01}))
		assert.Equal([]byte{0x03, 0x01}, ts.lastUplink().Data)

		_, ok := ts.mac.McChannelStatus(1)
		assert.False(ok)
		assert.Equal(McSession{}, ts.pkg.Session(1))
	})
}

func (ts *MulticastSetupTestSuite) TestMcGroupSetupThenDelete() {
	for id := uint8(0); id < mac.MaxMcGroups; id++ {
		ts.T().Run(fmt.Sprintf("group %d", id), func(t *testing.T) {
			assert := require.New(t)

			ts.setupGroup(id, lorawan.DevAddr{0x01, 0x02, 0x03, id})
			assert.Equal([]byte{0x02, id}, ts.lastUplink().Data)

			assert.NoError(ts.downlink([]byte{0x03, id}))
			assert.Equal([]byte{0x03, id}, ts.lastUplink().Data)
		})
	}
}

func (ts *MulticastSetupTestSuite) TestMcGroupStatus() {
	assert := ts.Require()

	ts.setupGroup(0, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})
	ts.setupGroup(2, lorawan.DevAddr{0x05, 0x06, 0x07, 0x08})
	ts.setupGroup(3, lorawan.DevAddr{0x09, 0x0a, 0x0b, 0x0c})

	assert.NoError(ts.downlink([]byte{0x01, 0x07}))
	assert.Equal([]byte{
		0x01,
		0x35,
		0x00, 0x04, 0x03, 0x02, 0x01,
		0x02, 0x08, 0x07, 0x06, 0x05,
	}, ts.lastUplink().Data)
}

func (ts *MulticastSetupTestSuite) classCSessionReq(id uint8, sessionTime uint32, timeout uint8, freq uint32, dr uint8) []byte {
	return ts.marshal(Command{
		CID: McClassCSessionReq,
		Payload: &McClassCSessionReqPayload{
			McGroupIDHeader: McGroupIDHeader(id),
			SessionTime:     sessionTime,
			SessionTimeOut:  timeout,
			DLFrequency:     freq,
			DR:              dr,
		},
	})
}

func (ts *MulticastSetupTestSuite) TestMcClassCSession() {
	ts.T().Run("undefined group", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(ts.downlink(ts.classCSessionReq(1, ts.sessionTime(100), 3, 869525000, 0)))
		assert.Equal([]byte{0x04, 0x1d}, ts.lastUplink().Data)
		assert.False(ts.startTimer().IsStarted())
	})

	ts.setupGroup(1, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})

	ts.T().Run("invalid frequency and dr", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(ts.downlink(ts.classCSessionReq(1, ts.sessionTime(100), 3, 915000000, 15)))
		assert.Equal([]byte{0x04, 0x0d}, ts.lastUplink().Data)
		assert.False(ts.startTimer().IsStarted())
	})

	ts.T().Run("start time in the past", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(ts.downlink(ts.classCSessionReq(1, ts.sessionTime(-10), 3, 869525000, 0)))
		assert.Equal([]byte{0x04, 0x11}, ts.lastUplink().Data)
		assert.False(ts.startTimer().IsStarted())
	})

	ts.T().Run("session start and stop", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(ts.downlink(ts.classCSessionReq(1, ts.sessionTime(100), 3, 869525000, 0)))
		assert.Equal([]byte{0x04, 0x01, 100, 0x00, 0x00}, ts.lastUplink().Data)
		assert.True(ts.startTimer().IsStarted())
		assert.Equal(99*time.Second, ts.startTimer().duration)
		assert.Equal(SessionStopped, ts.pkg.Session(1).SessionState)
		assert.EqualValues(3, ts.pkg.Session(1).SessionTimeout)

		ch, _ := ts.mac.McChannelStatus(1)
		assert.Equal(mac.McRxParams{Class: mac.ClassC, Frequency: 869525000}, ch.RxParams)

		// not yet processed
		ts.startTimer().expire()
		assert.False(ts.startTimer().IsStarted())
		assert.Empty(ts.classes)

		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Equal([]mac.DeviceClass{mac.ClassC}, ts.classes)
		assert.Equal(SessionStarted, ts.pkg.Session(1).SessionState)
		assert.True(ts.stopTimer().IsStarted())
		assert.Equal(8*time.Second, ts.stopTimer().duration)

		// nothing queued
		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Len(ts.classes, 1)

		ts.stopTimer().expire()
		assert.False(ts.stopTimer().IsStarted())
		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Equal([]mac.DeviceClass{mac.ClassC, mac.ClassA}, ts.classes)
		assert.Equal(SessionStopped, ts.pkg.Session(1).SessionState)
	})

	ts.T().Run("rejected request keeps the accepted session", func(t *testing.T) {
		assert := require.New(t)

		ts.classes = nil
		assert.NoError(ts.downlink(ts.classCSessionReq(1, ts.sessionTime(100), 3, 869525000, 0)))
		assert.Equal([]byte{0x04, 0x01, 100, 0x00, 0x00}, ts.lastUplink().Data)
		accepted := ts.pkg.Session(1)

		assert.NoError(ts.downlink(ts.classCSessionReq(1, ts.sessionTime(50), 9, 915000000, 0)))
		assert.Equal([]byte{0x04, 0x09}, ts.lastUplink().Data)
		assert.Equal(accepted, ts.pkg.Session(1))

		ts.startTimer().expire()
		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Equal([]mac.DeviceClass{mac.ClassC}, ts.classes)
		assert.Equal(8*time.Second, ts.stopTimer().duration)
	})
}

func (ts *MulticastSetupTestSuite) TestQueuedTransitions() {
	assert := ts.Require()

	ts.setupGroup(0, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})
	assert.NoError(ts.downlink(ts.classCSessionReq(0, ts.sessionTime(10), 0, 869525000, 0)))

	// both timers expire before Process runs
	ts.startTimer().expire()
	ts.stopTimer().expire()

	assert.NoError(ts.pkg.Process(context.Background()))
	assert.Equal([]mac.DeviceClass{mac.ClassC, mac.ClassA}, ts.classes)

	ts.T().Run("full queue replaces the last event", func(t *testing.T) {
		assert := require.New(t)

		ts.classes = nil
		ts.startTimer().expire()
		ts.stopTimer().expire()
		ts.startTimer().expire()

		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Equal([]mac.DeviceClass{mac.ClassC, mac.ClassC}, ts.classes)
	})

	ts.T().Run("stop of a superseded session is ignored", func(t *testing.T) {
		assert := require.New(t)

		ts.classes = nil
		assert.Equal(SessionStarted, ts.pkg.Session(0).SessionState)

		ts.setupGroup(1, lorawan.DevAddr{0x05, 0x06, 0x07, 0x08})
		assert.NoError(ts.downlink(ts.classCSessionReq(1, ts.sessionTime(20), 2, 869525000, 0)))
		assert.True(ts.startTimer().IsStarted())

		// group 1 starts, then the stop timer of group 0 expires
		ts.startTimer().expire()
		ts.stopTimer().expire()

		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Equal([]mac.DeviceClass{mac.ClassC}, ts.classes)
		assert.Equal(mac.ClassC, ts.mac.Class())
		assert.Equal(SessionStopped, ts.pkg.Session(0).SessionState)
		assert.Equal(SessionStarted, ts.pkg.Session(1).SessionState)
		assert.True(ts.stopTimer().IsStarted())
		assert.Equal(4*time.Second, ts.stopTimer().duration)

		ts.stopTimer().expire()
		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Equal([]mac.DeviceClass{mac.ClassC, mac.ClassA}, ts.classes)
		assert.Equal(mac.ClassA, ts.mac.Class())
		assert.Equal(SessionStopped, ts.pkg.Session(1).SessionState)
	})

	ts.T().Run("new session supersedes the running one", func(t *testing.T) {
		assert := require.New(t)

		ts.classes = nil
		assert.NoError(ts.downlink(ts.classCSessionReq(0, ts.sessionTime(10), 0, 869525000, 0)))
		ts.startTimer().expire()
		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Equal(SessionStarted, ts.pkg.Session(0).SessionState)

		assert.NoError(ts.downlink(ts.classCSessionReq(1, ts.sessionTime(10), 0, 869525000, 0)))
		ts.startTimer().expire()
		assert.NoError(ts.pkg.Process(context.Background()))
		assert.Equal(SessionStopped, ts.pkg.Session(0).SessionState)
		assert.Equal(SessionStarted, ts.pkg.Session(1).SessionState)
		assert.Equal([]mac.DeviceClass{mac.ClassC, mac.ClassC}, ts.classes)
	})
}

func (ts *MulticastSetupTestSuite) TestPowersaveHandler() {
	assert := ts.Require()

	var calls int
	ts.pkg.RegisterPowersaveHandler(func() {
		calls++
	})

	ts.startTimer().expire()
	ts.startTimer().expire()
	assert.Equal(1, calls)

	ts.pkg.RegisterPowersaveHandler(func() {
		calls++
	})
	ts.pkg.Init(make([]byte, 242))
	ts.startTimer().expire()
	assert.Equal(1, calls)
}

func (ts *MulticastSetupTestSuite) TestStartTimerWithin() {
	assert := ts.Require()

	ts.setupGroup(0, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})
	assert.False(ts.pkg.StartTimeIsRunning())

	assert.NoError(ts.downlink(ts.classCSessionReq(0, ts.sessionTime(100), 0, 869525000, 0)))
	assert.False(ts.pkg.StartTimeIsRunning())
	assert.True(ts.pkg.StartTimerWithin(100 * time.Second))
	assert.False(ts.pkg.VetoSleep())

	assert.NoError(ts.downlink(ts.classCSessionReq(0, ts.sessionTime(5), 0, 869525000, 0)))
	assert.True(ts.pkg.StartTimeIsRunning())
	assert.True(ts.pkg.VetoSleep())
}

func (ts *MulticastSetupTestSuite) TestSendFailure() {
	assert := ts.Require()

	ts.sender.err = errors.New("link busy")
	assert.Error(ts.downlink([]byte{0x00}))
	assert.True(ts.pkg.IsTxPending())

	assert.Error(ts.pkg.Process(context.Background()))
	assert.True(ts.pkg.IsTxPending())

	ts.sender.err = nil
	assert.NoError(ts.pkg.Process(context.Background()))
	assert.False(ts.pkg.IsTxPending())
	assert.Equal(applayer.Uplink{FPort: 200, Data: []byte{0x00, 0x02, 0x01}}, ts.lastUplink())
}

func TestMulticastSetup(t *testing.T) {
	suite.Run(t, new(MulticastSetupTestSuite))
}

type macMock struct {
	mock.Mock
}

func (m *macMock) MaxMcGroups() int {
	return m.Called().Int(0)
}

func (m *macMock) McChannelSetup(ch mac.McChannelParams) error {
	return m.Called(ch).Error(0)
}

func (m *macMock) McChannelDelete(groupID uint8) error {
	return m.Called(groupID).Error(0)
}

func (m *macMock) McChannelStatus(groupID uint8) (mac.McChannelParams, bool) {
	args := m.Called(groupID)
	return args.Get(0).(mac.McChannelParams), args.Bool(1)
}

func (m *macMock) McChannelSetupRxParams(groupID uint8, params mac.McRxParams) (uint8, error) {
	args := m.Called(groupID, params)
	return args.Get(0).(uint8), args.Error(1)
}

func (m *macMock) RequestClass(class mac.DeviceClass) {
	m.Called(class)
}

func (m *macMock) RequestDeviceTime() {
	m.Called()
}

func (m *macMock) Now() time.Time {
	return m.Called().Get(0).(time.Time)
}

func TestMcGroupSetupDeletesBeforeSetup(t *testing.T) {
	assert := require.New(t)

	m := &macMock{}
	m.On("MaxMcGroups").Return(4)
	m.On("McChannelDelete", uint8(2)).Return(nil)
	m.On("McChannelSetup", mock.MatchedBy(func(ch mac.McChannelParams) bool {
		return ch.GroupID == 2 && ch.IsRemotelySetup
	})).Return(nil)
	m.On("RequestDeviceTime").Return()

	sender := &testSender{}
	p := New(m, sender, WithTimerFunc(func(onExpiry func()) Timer {
		return &testTimer{onExpiry: onExpiry}
	}))
	p.Init(make([]byte, 242))

	assert.NoError(p.OnDownlinkIndication(context.Background(), applayer.DownlinkIndication{
		FPort: Port,
		Data: []byte{
			0x02, 0x02, 0x04, 0x03, 0x02, 0x01,
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x00, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00,
		},
	}))
	m.AssertExpectations(t)

	var order []string
	for _, c := range m.Calls {
		order = append(order, c.Method)
	}
	assert.Equal([]string{"MaxMcGroups", "McChannelDelete", "McChannelSetup", "RequestDeviceTime"}, order)
	assert.Equal([]byte{0x02, 0x02}, sender.uplinks[0].Data)
}

func TestMcClassCSessionDefaultClock(t *testing.T) {
	assert := require.New(t)

	m, err := mac.NewLayer(mac.Config{})
	assert.NoError(err)

	sender := &testSender{}
	p := New(m, sender, WithTimerFunc(func(onExpiry func()) Timer {
		return &testTimer{onExpiry: onExpiry}
	}))
	p.Init(make([]byte, 242))

	setup, err := Commands{{
		CID: McGroupSetupReq,
		Payload: &McGroupSetupReqPayload{
			McGroupIDHeader: McGroupIDHeader(0),
			McAddr:          lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
			MaxMcFCnt:       100,
		},
	}}.MarshalBinary()
	assert.NoError(err)
	assert.NoError(p.OnDownlinkIndication(context.Background(), applayer.DownlinkIndication{FPort: Port, Data: setup}))

	// session time as sent by the network: GPS seconds, leap seconds included
	sessionTime := uint32(gps.Time(time.Now()).TimeSinceGPSEpoch()/time.Second) + 100
	req, err := Commands{{
		CID: McClassCSessionReq,
		Payload: &McClassCSessionReqPayload{
			McGroupIDHeader: McGroupIDHeader(0),
			SessionTime:     sessionTime,
			SessionTimeOut:  3,
			DLFrequency:     869525000,
		},
	}}.MarshalBinary()
	assert.NoError(err)
	assert.NoError(p.OnDownlinkIndication(context.Background(), applayer.DownlinkIndication{FPort: Port, Data: req}))

	ans := sender.uplinks[len(sender.uplinks)-1].Data
	assert.Len(ans, 5)
	assert.Equal([]byte{0x04, 0x00}, ans[:2])

	timeToStart := uint32(ans[2]) | uint32(ans[3])<<8 | uint32(ans[4])<<16
	assert.InDelta(100, timeToStart, 1)
}
