package mac

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"
)

const storeTimeout = 5 * time.Second

// McRxParams defines the multicast receive-window parameters.
type McRxParams struct {
	Class       DeviceClass
	Frequency   uint32 // Hz
	DR          uint8
	Periodicity uint8 // class-B only
}

// McChannelParams defines a multicast channel (group security context).
type McChannelParams struct {
	IsRemotelySetup bool
	IsEnabled       bool
	GroupID         uint8
	Address         lorawan.DevAddr
	McKeyEncrypted  lorawan.AES128Key
	FCntMin         uint32
	FCntMax         uint32
	RxParams        McRxParams
}

// Rx-params status bits, see McChannelSetupRxParams.
const (
	RxParamsDRError          = 0x04
	RxParamsFreqError        = 0x08
	RxParamsMcGroupUndefined = 0x10
)

// MaxMcGroups returns the number of usable multicast contexts.
func (l *Layer) MaxMcGroups() int {
	return l.config.MaxMcGroups
}

// Load restores the multicast channel table from the store. It is a no-op
// when no store is configured.
func (l *Layer) Load(ctx context.Context) error {
	if l.config.Store == nil {
		return nil
	}

	channels, err := l.config.Store.GetMulticastChannels(ctx)
	if err != nil {
		return errors.Wrap(err, "get multicast channels error")
	}

	l.Lock()
	defer l.Unlock()

	for _, ch := range channels {
		if int(ch.GroupID) >= l.config.MaxMcGroups {
			log.WithField("group_id", ch.GroupID).Warning("mac: ignoring stored multicast channel, group id out of range")
			continue
		}
		l.channels[ch.GroupID] = ch
	}

	log.WithField("count", len(channels)).Info("mac: multicast channels restored")
	return nil
}

// McChannelSetup creates (or overwrites) the multicast context for the
// group-id of the given channel.
func (l *Layer) McChannelSetup(ch McChannelParams) error {
	if int(ch.GroupID) >= l.config.MaxMcGroups {
		return ErrMcGroupUndefined
	}
	if ch.FCntMax < ch.FCntMin {
		return ErrParameterInvalid
	}

	l.Lock()
	ch.IsEnabled = true
	// the rx-params are set by McChannelSetupRxParams
	ch.RxParams = McRxParams{}
	l.channels[ch.GroupID] = ch
	snapshot := l.snapshot()
	l.Unlock()

	log.WithFields(log.Fields{
		"group_id": ch.GroupID,
		"mc_addr":  ch.Address,
		"fcnt_min": ch.FCntMin,
		"fcnt_max": ch.FCntMax,
		"remotely": ch.IsRemotelySetup,
	}).Info("mac: multicast channel setup")

	l.persist(snapshot)
	return nil
}

// McChannelDelete removes the multicast context of the given group-id.
// ErrMcGroupUndefined is returned when the group is not defined.
func (l *Layer) McChannelDelete(groupID uint8) error {
	if int(groupID) >= l.config.MaxMcGroups {
		return ErrMcGroupUndefined
	}

	l.Lock()
	if !l.channels[groupID].IsEnabled {
		l.Unlock()
		return ErrMcGroupUndefined
	}
	l.channels[groupID] = McChannelParams{}
	snapshot := l.snapshot()
	l.Unlock()

	log.WithField("group_id", groupID).Info("mac: multicast channel deleted")

	l.persist(snapshot)
	return nil
}

// McChannelStatus returns the multicast context of the given group-id and
// true when the group is defined.
func (l *Layer) McChannelStatus(groupID uint8) (McChannelParams, bool) {
	if int(groupID) >= l.config.MaxMcGroups {
		return McChannelParams{}, false
	}

	l.RLock()
	defer l.RUnlock()

	ch := l.channels[groupID]
	return ch, ch.IsEnabled
}

// McChannelSetupRxParams validates and applies the receive-window parameters
// of the given group. The returned status holds the group-id in the two
// lower bits and the RxParams* error bits. The parameters are only applied
// when no error bit is set, else ErrMcGroupUndefined is returned.
func (l *Layer) McChannelSetupRxParams(groupID uint8, params McRxParams) (uint8, error) {
	groupID &= 0x03
	status := uint8(RxParamsDRError|RxParamsFreqError|RxParamsMcGroupUndefined) | groupID

	if params.Class != ClassB && params.Class != ClassC {
		return status, ErrParameterInvalid
	}

	l.Lock()
	defer l.Unlock()

	if int(groupID) >= l.config.MaxMcGroups || !l.channels[groupID].IsEnabled {
		return status, ErrMcGroupUndefined
	}
	status &^= RxParamsMcGroupUndefined

	if l.validDR(params.DR) {
		status &^= RxParamsDRError
	}
	if l.validFrequency(params.Frequency) {
		status &^= RxParamsFreqError
	}

	if status != groupID {
		return status, ErrMcGroupUndefined
	}

	l.channels[groupID].RxParams = params

	log.WithFields(log.Fields{
		"group_id":  groupID,
		"class":     params.Class,
		"frequency": params.Frequency,
		"dr":        params.DR,
	}).Info("mac: multicast rx-params applied")

	return status, nil
}

func (l *Layer) validDR(dr uint8) bool {
	if l.config.Band == nil {
		return true
	}
	_, err := l.config.Band.GetDataRate(int(dr))
	return err == nil
}

func (l *Layer) validFrequency(freq uint32) bool {
	if l.config.MaxFrequency == 0 {
		return true
	}
	return freq >= l.config.MinFrequency && freq <= l.config.MaxFrequency
}

// snapshot must be called with the lock held.
func (l *Layer) snapshot() []McChannelParams {
	var out []McChannelParams
	for i := 0; i < l.config.MaxMcGroups; i++ {
		if l.channels[i].IsEnabled {
			out = append(out, l.channels[i])
		}
	}
	return out
}

func (l *Layer) persist(channels []McChannelParams) {
	if l.config.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := l.config.Store.SaveMulticastChannels(ctx, channels); err != nil {
		log.WithError(err).Error("mac: save multicast channels error")
	}
}
