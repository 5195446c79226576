// Package test contains the configuration helpers shared by the tests that
// need external services.
package test

import (
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-applayer-device/internal/config"
	"github.com/brocaar/lorawan"
)

func init() {
	log.SetLevel(log.ErrorLevel)
}

// GetConfig returns the test configuration. The second return value is
// false when TEST_REDIS_URL is not set, in which case tests depending on
// Redis should be skipped.
func GetConfig() (config.Config, bool) {
	var c config.Config

	c.Device.DevEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	c.Device.ProcessInterval = 10 * time.Millisecond
	c.Device.DataBufferSize = 242
	c.MAC.Band.Name = "EU868"
	c.MAC.Band.MinFrequency = 863000000
	c.MAC.Band.MaxFrequency = 870000000
	c.MAC.MaxMulticastGroups = 4
	c.Redis.KeyPrefix = "test:"

	c.Backend.Type = "mqtt"
	c.Backend.MQTT.Server = os.Getenv("TEST_MQTT_SERVER")
	c.Backend.MQTT.CleanSession = true
	c.Backend.MQTT.DownlinkTopicTemplate = "device/{{ .DevEUI }}/command/down"
	c.Backend.MQTT.UplinkTopicTemplate = "device/{{ .DevEUI }}/event/up"
	c.Backend.MQTT.EventTopicTemplate = "device/{{ .DevEUI }}/event/{{ .EventType }}"

	v := os.Getenv("TEST_REDIS_URL")
	if v == "" {
		return c, false
	}

	opt, err := redis.ParseURL(v)
	if err != nil {
		log.WithError(err).Fatal("parse TEST_REDIS_URL error")
	}
	c.Redis.Servers = []string{opt.Addr}
	c.Redis.Database = opt.DB
	c.Redis.Password = opt.Password

	return c, true
}
