package band

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-applayer-device/internal/config"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

var band loraband.Band

// Setup sets up the band with the given configuration.
func Setup(c config.Config) error {
	dwellTime := lorawan.DwellTimeNoLimit
	if c.MAC.Band.DownlinkDwellTime400ms {
		dwellTime = lorawan.DwellTime400ms
	}
	bandConfig, err := loraband.GetConfig(c.MAC.Band.Name, c.MAC.Band.RepeaterCompatible, dwellTime)
	if err != nil {
		return errors.Wrap(err, "get band config error")
	}
	band = bandConfig

	log.WithFields(log.Fields{
		"band":          c.MAC.Band.Name,
		"dwell_time":    dwellTime,
		"min_frequency": c.MAC.Band.MinFrequency,
		"max_frequency": c.MAC.Band.MaxFrequency,
	}).Info("band: band configured")

	return nil
}

// Band returns the configured band.
func Band() loraband.Band {
	return band
}
