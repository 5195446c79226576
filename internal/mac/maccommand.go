package mac

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-applayer-device/internal/gps"
	"github.com/brocaar/lorawan"
)

// HandleMACCommands handles the mac-commands received as FRMPayload on
// port 0. rxTime is the local time at which the downlink was received.
func (l *Layer) HandleMACCommands(rxTime time.Time, data []byte) error {
	for i := 0; i < len(data); {
		// mac-commands without payload are not registered
		var size int
		if _, s, err := lorawan.GetMACPayloadAndSize(false, lorawan.CID(data[i])); err == nil {
			size = s
		}

		if i+1+size > len(data) {
			return fmt.Errorf("not enough remaining bytes for CID %d", data[i])
		}

		var cmd lorawan.MACCommand
		if err := cmd.UnmarshalBinary(false, data[i:i+1+size]); err != nil {
			return errors.Wrap(err, "unmarshal mac-command error")
		}
		i += 1 + size

		if err := l.handleMACCommand(rxTime, cmd); err != nil {
			return err
		}
	}

	return nil
}

func (l *Layer) handleMACCommand(rxTime time.Time, cmd lorawan.MACCommand) error {
	switch cmd.CID {
	case lorawan.DeviceTimeAns:
		pl, ok := cmd.Payload.(*lorawan.DeviceTimeAnsPayload)
		if !ok {
			return fmt.Errorf("expected *lorawan.DeviceTimeAnsPayload, got: %T", cmd.Payload)
		}
		return l.handleDeviceTimeAns(rxTime, pl)
	case lorawan.DeviceModeConf:
		pl, ok := cmd.Payload.(*lorawan.DeviceModeConfPayload)
		if !ok {
			return fmt.Errorf("expected *lorawan.DeviceModeConfPayload, got: %T", cmd.Payload)
		}
		log.WithField("class", pl.Class).Info("mac: device_mode_conf received")
	default:
		log.WithField("cid", cmd.CID).Debug("mac: ignoring mac-command")
	}

	return nil
}

// handleDeviceTimeAns sets the device system time to the network time,
// expressed in GPS epoch seconds + gps.UnixEpochOffset.
func (l *Layer) handleDeviceTimeAns(rxTime time.Time, pl *lorawan.DeviceTimeAnsPayload) error {
	fraction := pl.TimeSinceGPSEpoch % time.Second
	deviceTime := time.Unix(gps.SystemSeconds(pl.TimeSinceGPSEpoch), int64(fraction))

	l.Lock()
	l.clockOffset = deviceTime.Sub(gps.SystemTime(rxTime))
	offset := l.clockOffset
	l.Unlock()

	deviceTimeSyncCounter().Inc()
	log.WithFields(log.Fields{
		"time_since_gps_epoch": pl.TimeSinceGPSEpoch,
		"clock_offset":         offset,
	}).Info("mac: device time synchronized")

	return nil
}
