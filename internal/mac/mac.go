// Package mac implements the device-side MAC services consumed by the
// application layer packages: multicast channel contexts, device class
// switching and the device clock.
package mac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-applayer-device/internal/gps"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// MaxMcGroups defines the maximum number of multicast contexts.
const MaxMcGroups = 4

// errors
var (
	ErrMcGroupUndefined = errors.New("multicast group undefined")
	ErrParameterInvalid = errors.New("parameter invalid")
)

// DeviceClass defines the LoRaWAN device class.
type DeviceClass int

// Device classes.
const (
	ClassA DeviceClass = iota
	ClassB
	ClassC
)

func (c DeviceClass) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassB:
		return "B"
	case ClassC:
		return "C"
	default:
		return fmt.Sprintf("DeviceClass(%d)", int(c))
	}
}

// ChannelStore persists the multicast channel table.
type ChannelStore interface {
	SaveMulticastChannels(ctx context.Context, channels []McChannelParams) error
	GetMulticastChannels(ctx context.Context) ([]McChannelParams, error)
}

// Config holds the Layer configuration.
type Config struct {
	// Band is used to validate the multicast rx datarate. When nil, any
	// datarate is accepted.
	Band loraband.Band

	// MinFrequency and MaxFrequency bound the multicast rx frequency (Hz).
	// A zero MaxFrequency disables the check.
	MinFrequency uint32
	MaxFrequency uint32

	// MaxMcGroups limits the usable multicast contexts (1 - MaxMcGroups).
	MaxMcGroups int

	// Store is optional.
	Store ChannelStore

	// OnClassChange is called after every class change request.
	OnClassChange func(DeviceClass)

	// Clock returns the local UTC time, defaults to time.Now. The device
	// system time is derived from it with the leap-second correction.
	Clock func() time.Time
}

// Layer implements the device MAC services.
type Layer struct {
	sync.RWMutex

	config   Config
	channels [MaxMcGroups]McChannelParams
	class    DeviceClass

	// clockOffset is the correction of the device system time, learned
	// from DeviceTimeAns.
	clockOffset time.Duration

	pending []lorawan.MACCommand
}

// NewLayer creates a new Layer.
func NewLayer(c Config) (*Layer, error) {
	if c.MaxMcGroups == 0 {
		c.MaxMcGroups = MaxMcGroups
	}
	if c.MaxMcGroups < 0 || c.MaxMcGroups > MaxMcGroups {
		return nil, fmt.Errorf("max multicast groups must be between 1 and %d", MaxMcGroups)
	}
	if c.MaxFrequency != 0 && c.MinFrequency > c.MaxFrequency {
		return nil, errors.New("min frequency must not exceed max frequency")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}

	return &Layer{
		config: c,
		class:  ClassA,
	}, nil
}

// Class returns the current device class.
func (l *Layer) Class() DeviceClass {
	l.RLock()
	defer l.RUnlock()

	return l.class
}

// RequestClass switches the device class. The request is fire-and-forget:
// on LoRaWAN 1.1 the switch is indicated to the network-server by a
// DeviceModeInd mac-command which is sent with the next uplink.
func (l *Layer) RequestClass(class DeviceClass) {
	l.Lock()
	prev := l.class
	l.class = class

	switch class {
	case ClassA:
		l.queue(lorawan.MACCommand{
			CID:     lorawan.DeviceModeInd,
			Payload: &lorawan.DeviceModeIndPayload{Class: lorawan.DeviceModeClassA},
		})
	case ClassC:
		l.queue(lorawan.MACCommand{
			CID:     lorawan.DeviceModeInd,
			Payload: &lorawan.DeviceModeIndPayload{Class: lorawan.DeviceModeClassC},
		})
	}
	cb := l.config.OnClassChange
	l.Unlock()

	classChangeCounter(class.String()).Inc()
	log.WithFields(log.Fields{
		"from": prev,
		"to":   class,
	}).Info("mac: device class change requested")

	if cb != nil {
		cb(class)
	}
}

// Now returns the device system time (GPS time + gps.UnixEpochOffset).
func (l *Layer) Now() time.Time {
	l.RLock()
	defer l.RUnlock()

	return gps.SystemTime(l.config.Clock()).Add(l.clockOffset)
}

// RequestDeviceTime queues a DeviceTimeReq mac-command. The DeviceTimeAns
// is handled by HandleMACCommands.
func (l *Layer) RequestDeviceTime() {
	l.Lock()
	defer l.Unlock()

	l.queue(lorawan.MACCommand{CID: lorawan.DeviceTimeReq})
	log.Info("mac: device-time request queued")
}

// TakeMACCommands returns the queued mac-commands in binary form and clears
// the queue. It returns nil when nothing is queued.
func (l *Layer) TakeMACCommands() ([]byte, error) {
	l.Lock()
	defer l.Unlock()

	var out []byte
	for _, cmd := range l.pending {
		b, err := cmd.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal mac-command error")
		}
		out = append(out, b...)
	}
	l.pending = nil

	return out, nil
}

// queue adds the mac-command to the pending queue, replacing a queued
// mac-command with the same CID.
func (l *Layer) queue(cmd lorawan.MACCommand) {
	for i := range l.pending {
		if l.pending[i].CID == cmd.CID {
			l.pending[i] = cmd
			return
		}
	}
	l.pending = append(l.pending, cmd)
}
