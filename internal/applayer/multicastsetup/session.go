package multicastsetup

import (
	"github.com/brocaar/lorawan"

	"github.com/brocaar/chirpstack-applayer-device/internal/mac"
)

// SessionState defines the state of a multicast session.
type SessionState int

// Session states.
const (
	SessionStopped SessionState = iota
	SessionStarted
)

func (s SessionState) String() string {
	if s == SessionStarted {
		return "started"
	}
	return "stopped"
}

// McGroupContext holds the group parameters received through
// McGroupSetupReq.
type McGroupContext struct {
	McGroupID      uint8
	McAddr         lorawan.DevAddr
	McKeyEncrypted lorawan.AES128Key
	MinMcFCnt      uint32
	MaxMcFCnt      uint32
}

// McSession holds the group context and the class-C session parameters of
// a multicast group.
type McSession struct {
	Group McGroupContext

	// SessionTime is the session start in device system seconds
	// (GPS seconds + gps.UnixEpochOffset).
	SessionTime int64

	// SessionTimeout is the exponent of the session duration (2^n s).
	SessionTimeout uint8

	RxParams     mac.McRxParams
	SessionState SessionState
}

type sessionStore [mac.MaxMcGroups]McSession
