// Package multicastsetup implements the LoRaWAN Remote Multicast Setup
// application-layer package (end-device side).
package multicastsetup

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-applayer-device/internal/applayer"
	"github.com/brocaar/chirpstack-applayer-device/internal/gps"
	"github.com/brocaar/chirpstack-applayer-device/internal/logging"
	"github.com/brocaar/chirpstack-applayer-device/internal/mac"
	"github.com/brocaar/chirpstack-applayer-device/internal/timer"
)

// Package properties.
const (
	Port    uint8 = 200
	ID      uint8 = 2
	Version uint8 = 1
)

// DefaultStartWindow is the window used by StartTimeIsRunning.
const DefaultStartWindow = 10 * time.Second

// ErrNotInitialized is returned when the package is used before Init.
var ErrNotInitialized = errors.New("multicastsetup: package not initialized")

// maximum answer size per command, a command is only handled when its
// answer fits the data buffer.
var maxAnswerSize = map[CID]int{
	PackageVersionReq:  3,
	McGroupStatusReq:   2 + 5*mac.MaxMcGroups,
	McGroupSetupReq:    2,
	McGroupDeleteReq:   2,
	McClassCSessionReq: 5,
	McClassBSessionReq: 0,
}

// MAC defines the MAC services used by the package.
type MAC interface {
	MaxMcGroups() int
	McChannelSetup(ch mac.McChannelParams) error
	McChannelDelete(groupID uint8) error
	McChannelStatus(groupID uint8) (mac.McChannelParams, bool)
	McChannelSetupRxParams(groupID uint8, params mac.McRxParams) (uint8, error)
	RequestClass(class mac.DeviceClass)
	RequestDeviceTime()
	Now() time.Time
}

// Timer defines a one-shot timer.
type Timer interface {
	SetDuration(d time.Duration)
	Start()
	Stop()
	IsStarted() bool
	RemainingTime() time.Duration
}

// TimerFunc creates a timer calling onExpiry on expiry.
type TimerFunc func(onExpiry func()) Timer

func newTimer(onExpiry func()) Timer {
	return timer.New(onExpiry)
}

// Option configures the Package.
type Option func(*Package)

// WithTimerFunc sets the function used to create the session timers.
func WithTimerFunc(f TimerFunc) Option {
	return func(p *Package) {
		p.newTimer = f
	}
}

// Package implements the Remote Multicast Setup package.
type Package struct {
	mac      MAC
	sender   applayer.Sender
	newTimer TimerFunc

	initialized bool
	txPending   bool
	pending     []byte
	dataBuffer  []byte

	sessions  sessionStore
	scheduler scheduler

	startTimer Timer
	stopTimer  Timer
}

// New creates a new Package.
func New(m MAC, sender applayer.Sender, opts ...Option) *Package {
	p := Package{
		mac:      m,
		sender:   sender,
		newTimer: newTimer,
	}

	for _, o := range opts {
		o(&p)
	}

	return &p
}

// Port returns the package FPort.
func (p *Package) Port() uint8 {
	return Port
}

// Init initializes the package with the given data buffer. A nil buffer
// marks the package as uninitialized. The session timers are created on
// the first initialization.
func (p *Package) Init(buf []byte) {
	if buf != nil {
		p.dataBuffer = buf
		p.initialized = true

		if p.startTimer == nil {
			p.startTimer = p.newTimer(p.onSessionStartTimer)
			p.stopTimer = p.newTimer(p.onSessionStopTimer)
		}
	} else {
		p.dataBuffer = nil
		p.initialized = false
	}

	p.txPending = false
	p.pending = nil
	p.scheduler.reset()
}

// IsInitialized returns true when the package has been initialized.
func (p *Package) IsInitialized() bool {
	return p.initialized
}

// IsTxPending returns true when an answer is waiting to be sent.
func (p *Package) IsTxPending() bool {
	return p.txPending
}

// Session returns a copy of the session of the given group.
func (p *Package) Session(groupID uint8) McSession {
	return p.sessions[groupID&0x03]
}

// RegisterPowersaveHandler registers a one-shot callback, invoked from the
// session start timer.
func (p *Package) RegisterPowersaveHandler(f func()) {
	p.scheduler.setPowersave(f)
}

// StartTimerWithin returns true when the session start timer is armed and
// expires within d.
func (p *Package) StartTimerWithin(d time.Duration) bool {
	if !p.initialized || !p.startTimer.IsStarted() {
		return false
	}
	return p.startTimer.RemainingTime() < d
}

// StartTimeIsRunning returns true when a class-C session starts within
// DefaultStartWindow.
func (p *Package) StartTimeIsRunning() bool {
	return p.StartTimerWithin(DefaultStartWindow)
}

// VetoSleep implements applayer.SleepVetoer.
func (p *Package) VetoSleep() bool {
	return p.StartTimeIsRunning()
}

// Process retries the pending answer and applies the session transitions
// queued by the timers.
func (p *Package) Process(ctx context.Context) error {
	if !p.initialized {
		return ErrNotInitialized
	}

	var retryErr error
	if p.txPending {
		retryErr = p.send(ctx, p.pending)
	}

	for _, ev := range p.scheduler.drain() {
		s := &p.sessions[ev.groupID&0x03]

		switch ev.transition {
		case transitionStart:
			p.stopTimer.SetDuration((1 << s.SessionTimeout) * time.Second)
			p.stopTimer.Start()
			if prev, ok := p.scheduler.setActive(ev.groupID); ok {
				p.sessions[prev&0x03].SessionState = SessionStopped
			}
			p.mac.RequestClass(mac.ClassC)
			s.SessionState = SessionStarted
			sessionCounter(transitionStart).Inc()
		case transitionStop:
			s.SessionState = SessionStopped
			if !p.scheduler.stopActive(ev.groupID) {
				log.WithField("group_id", ev.groupID).Warning("multicastsetup: stop of superseded session, class unchanged")
				continue
			}
			p.mac.RequestClass(mac.ClassA)
			sessionCounter(transitionStop).Inc()
		}

		log.WithFields(log.Fields{
			"group_id":   ev.groupID,
			"transition": ev.transition,
		}).Info("multicastsetup: multicast session transition")
	}

	return errors.Wrap(retryErr, "retry answer error")
}

// OnDownlinkIndication decodes the requests of the given downlink, handles
// them and sends the answers as a single uplink.
func (p *Package) OnDownlinkIndication(ctx context.Context, ind applayer.DownlinkIndication) error {
	if !p.initialized {
		return ErrNotInitialized
	}
	if ind.FPort != Port {
		return nil
	}

	var cmds Commands
	if err := cmds.UnmarshalBinary(false, ind.Data); err != nil {
		log.WithFields(log.Fields{
			"ctx_id":  logging.ContextID(ctx),
			"decoded": len(cmds),
		}).WithError(err).Warning("multicastsetup: decode requests error")
	}

	var n int
	for _, cmd := range cmds {
		if n+maxAnswerSize[cmd.CID] > len(p.dataBuffer) {
			log.WithFields(log.Fields{
				"ctx_id": logging.ContextID(ctx),
				"cid":    cmd.CID,
			}).Warning("multicastsetup: data buffer full, remaining requests dropped")
			break
		}

		requestCounter(cmd.CID).Inc()

		ans, err := p.handleCommand(ctx, cmd)
		if err != nil {
			return errors.Wrapf(err, "handle %s error", cmd.CID)
		}
		if ans == nil {
			continue
		}

		b, err := ans.MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "marshal %s answer error", cmd.CID)
		}
		n += copy(p.dataBuffer[n:], b)
	}

	if n == 0 {
		return nil
	}

	answer := make([]byte, n)
	copy(answer, p.dataBuffer[:n])

	return p.send(ctx, answer)
}

func (p *Package) send(ctx context.Context, b []byte) error {
	err := p.sender.SendUplink(ctx, applayer.Uplink{
		FPort: Port,
		Data:  b,
	})
	if err != nil {
		p.pending = b
		p.txPending = true
		return errors.Wrap(err, "send uplink error")
	}

	p.pending = nil
	p.txPending = false
	return nil
}

func (p *Package) handleCommand(ctx context.Context, cmd Command) (*Command, error) {
	switch cmd.CID {
	case PackageVersionReq:
		return p.handlePackageVersionReq()
	case McGroupStatusReq:
		return p.handleMcGroupStatusReq(ctx, cmd.Payload)
	case McGroupSetupReq:
		return p.handleMcGroupSetupReq(ctx, cmd.Payload)
	case McGroupDeleteReq:
		return p.handleMcGroupDeleteReq(ctx, cmd.Payload)
	case McClassCSessionReq:
		return p.handleMcClassCSessionReq(ctx, cmd.Payload)
	case McClassBSessionReq:
		log.WithField("ctx_id", logging.ContextID(ctx)).Warning("multicastsetup: class-b session not supported, request ignored")
		return nil, nil
	default:
		return nil, nil
	}
}

func (p *Package) handlePackageVersionReq() (*Command, error) {
	return &Command{
		CID: PackageVersionAns,
		Payload: &PackageVersionAnsPayload{
			PackageIdentifier: ID,
			PackageVersion:    Version,
		},
	}, nil
}

func (p *Package) handleMcGroupStatusReq(ctx context.Context, payload Payload) (*Command, error) {
	pl, ok := payload.(*McGroupStatusReqPayload)
	if !ok {
		return nil, errors.New("expected *McGroupStatusReqPayload")
	}

	var ans McGroupStatusAnsPayload
	for id := 0; id < p.mac.MaxMcGroups(); id++ {
		ch, defined := p.mac.McChannelStatus(uint8(id))
		if !defined {
			continue
		}
		ans.NbTotalGroups++

		if pl.ReqGroupMask&(1<<uint(id)) != 0 {
			ans.Items = append(ans.Items, McGroupStatusAnsPayloadItem{
				McGroupID: uint8(id),
				McAddr:    ch.Address,
			})
		}
	}

	log.WithFields(log.Fields{
		"ctx_id":          logging.ContextID(ctx),
		"req_group_mask":  pl.ReqGroupMask,
		"nb_total_groups": ans.NbTotalGroups,
	}).Info("multicastsetup: McGroupStatusReq received")

	return &Command{CID: McGroupStatusAns, Payload: &ans}, nil
}

func (p *Package) handleMcGroupSetupReq(ctx context.Context, payload Payload) (*Command, error) {
	pl, ok := payload.(*McGroupSetupReqPayload)
	if !ok {
		return nil, errors.New("expected *McGroupSetupReqPayload")
	}

	id := pl.McGroupIDHeader.ID()
	ans := McGroupSetupAnsPayload{McGroupID: id, IDError: true}

	logFields := log.Fields{
		"ctx_id":      logging.ContextID(ctx),
		"group_id":    id,
		"mc_addr":     pl.McAddr,
		"min_mc_fcnt": pl.MinMcFCnt,
		"max_mc_fcnt": pl.MaxMcFCnt,
	}

	if pl.McGroupIDHeader.RFU() != 0 || int(id) >= p.mac.MaxMcGroups() {
		log.WithFields(logFields).Warning("multicastsetup: McGroupSetupReq with invalid group id")
		return &Command{CID: McGroupSetupAns, Payload: &ans}, nil
	}

	// an existing context is always replaced
	if err := p.mac.McChannelDelete(id); err != nil && err != mac.ErrMcGroupUndefined {
		log.WithFields(logFields).WithError(err).Warning("multicastsetup: delete multicast channel error")
	}

	err := p.mac.McChannelSetup(mac.McChannelParams{
		IsRemotelySetup: true,
		IsEnabled:       true,
		GroupID:         id,
		Address:         pl.McAddr,
		McKeyEncrypted:  pl.McKeyEncrypted,
		FCntMin:         pl.MinMcFCnt,
		FCntMax:         pl.MaxMcFCnt,
	})
	if err != nil {
		p.sessions[id] = McSession{}
		log.WithFields(logFields).WithError(err).Error("multicastsetup: setup multicast channel error")
		return &Command{CID: McGroupSetupAns, Payload: &ans}, nil
	}

	p.sessions[id].Group = McGroupContext{
		McGroupID:      id,
		McAddr:         pl.McAddr,
		McKeyEncrypted: pl.McKeyEncrypted,
		MinMcFCnt:      pl.MinMcFCnt,
		MaxMcFCnt:      pl.MaxMcFCnt,
	}

	ans.IDError = false
	p.mac.RequestDeviceTime()

	log.WithFields(logFields).Info("multicastsetup: multicast group setup")

	return &Command{CID: McGroupSetupAns, Payload: &ans}, nil
}

func (p *Package) handleMcGroupDeleteReq(ctx context.Context, payload Payload) (*Command, error) {
	pl, ok := payload.(*McGroupDeleteReqPayload)
	if !ok {
		return nil, errors.New("expected *McGroupDeleteReqPayload")
	}

	id := pl.McGroupIDHeader.ID()
	ans := McGroupDeleteAnsPayload{McGroupID: id}

	if err := p.mac.McChannelDelete(id); err != nil {
		ans.McGroupUndefined = true
	} else {
		p.sessions[id] = McSession{}
	}

	log.WithFields(log.Fields{
		"ctx_id":    logging.ContextID(ctx),
		"group_id":  id,
		"undefined": ans.McGroupUndefined,
	}).Info("multicastsetup: McGroupDeleteReq received")

	return &Command{CID: McGroupDeleteAns, Payload: &ans}, nil
}

func (p *Package) handleMcClassCSessionReq(ctx context.Context, payload Payload) (*Command, error) {
	pl, ok := payload.(*McClassCSessionReqPayload)
	if !ok {
		return nil, errors.New("expected *McClassCSessionReqPayload")
	}

	id := pl.McGroupIDHeader.ID()
	sessionTime := gps.SessionTimeToSystem(pl.SessionTime)
	sessionTimeout := pl.SessionTimeOut & 0x0f
	rxParams := mac.McRxParams{
		Class:     mac.ClassC,
		Frequency: pl.DLFrequency,
		DR:        pl.DR,
	}

	logFields := log.Fields{
		"ctx_id":          logging.ContextID(ctx),
		"group_id":        id,
		"session_time":    sessionTime,
		"session_timeout": sessionTimeout,
		"frequency":       pl.DLFrequency,
		"dr":              pl.DR,
	}

	status, err := p.mac.McChannelSetupRxParams(id, rxParams)
	ans := McClassCSessionAnsPayload{Status: status}

	if err != nil {
		log.WithFields(logFields).WithField("status", status).Warning("multicastsetup: McClassCSessionReq rejected")
		return &Command{CID: McClassCSessionAns, Payload: &ans}, nil
	}

	s := &p.sessions[id]
	s.SessionTime = sessionTime
	s.SessionTimeout = sessionTimeout
	s.RxParams = rxParams

	timeToStart := s.SessionTime - p.mac.Now().Unix()
	if timeToStart > 0 {
		p.startTimer.SetDuration(time.Duration(timeToStart-1) * time.Second)
		p.scheduler.armStart(id)
		p.startTimer.Start()

		t := uint32(timeToStart)
		ans.TimeToStart = &t
		logFields["time_to_start"] = timeToStart
	} else {
		ans.Status |= ClassCSessionStartMissed
	}

	log.WithFields(logFields).Info("multicastsetup: McClassCSessionReq received")

	return &Command{CID: McClassCSessionAns, Payload: &ans}, nil
}
