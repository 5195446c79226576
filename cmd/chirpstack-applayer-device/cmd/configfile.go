package cmd

import (
	"os"
	"text/template"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-applayer-device/internal/config"
)

const configTemplate = `[general]
# Log level
#
# debug=5, info=4, warning=3, error=2, fatal=1, panic=0
log_level={{ .General.LogLevel }}

# Log to syslog.
#
# When set to true, log messages are being written to syslog.
log_to_syslog={{ .General.LogToSyslog }}


# Redis settings
#
# Redis is only used when mac.persist_multicast_groups is enabled.
[redis]
# Server address or addresses.
#
# Set multiple addresses when connecting to a cluster.
servers=[{{ range $index, $elm := .Redis.Servers }}
  "{{ $elm }}",{{ end }}
]

# Password.
#
# Set the password when connecting to Redis requires password authentication.
password="{{ .Redis.Password }}"

# Database index.
#
# By default, this can be a number between 0-15.
database={{ .Redis.Database }}

# Redis Cluster.
#
# Set this to true when the provided URLs are pointing to a Redis Cluster
# instance.
cluster={{ .Redis.Cluster }}

# Master name.
#
# Set the master name when the provided URLs are pointing to a Redis Sentinel
# instance.
master_name="{{ .Redis.MasterName }}"

# Connection pool size.
#
# Default (when set to 0) is 10 connections per every CPU.
pool_size={{ .Redis.PoolSize }}

# TLS enabled.
tls_enabled={{ .Redis.TLSEnabled }}

# Key prefix.
#
# A key prefix can be used to avoid key collisions when multiple devices
# share the same Redis database.
key_prefix="{{ .Redis.KeyPrefix }}"


# Device settings.
[device]
# DevEUI (HEX encoded).
dev_eui="{{ .Device.DevEUIString }}"

# Process interval.
#
# The interval at which the application-layer packages run their deferred
# work (e.g. multicast session start / stop).
process_interval="{{ .Device.ProcessInterval }}"

# Data buffer size.
#
# Size of the buffer used to build the answers (max. application payload).
data_buffer_size={{ .Device.DataBufferSize }}


# MAC settings.
[mac]
# Max. number of multicast groups (1 - 4).
max_multicast_groups={{ .MAC.MaxMulticastGroups }}

# Persist the multicast groups in Redis.
#
# When enabled, the multicast groups survive a restart.
persist_multicast_groups={{ .MAC.PersistMulticastGroups }}

  # Band configuration.
  [mac.band]
  # Name of the band.
  name="{{ .MAC.Band.Name }}"

  # Repeater compatibility.
  repeater_compatible={{ .MAC.Band.RepeaterCompatible }}

  # Enforce 400ms downlink dwell time.
  downlink_dwell_time_400ms={{ .MAC.Band.DownlinkDwellTime400ms }}

  # Multicast frequency range (Hz).
  #
  # McClassCSessionReq frequencies outside this range are rejected.
  min_frequency={{ .MAC.Band.MinFrequency }}
  max_frequency={{ .MAC.Band.MaxFrequency }}


# Backend settings.
[backend]
# Backend type.
#
# Valid options are:
#   * mqtt
type="{{ .Backend.Type }}"

  # MQTT backend.
  [backend.mqtt]
  # Downlink topic template.
  downlink_topic_template="{{ .Backend.MQTT.DownlinkTopicTemplate }}"

  # Uplink topic template.
  uplink_topic_template="{{ .Backend.MQTT.UplinkTopicTemplate }}"

  # Event topic template.
  event_topic_template="{{ .Backend.MQTT.EventTopicTemplate }}"

  # MQTT server (e.g. scheme://host:port where scheme is tcp, ssl or ws)
  server="{{ .Backend.MQTT.Server }}"

  # Connect with the given username (optional)
  username="{{ .Backend.MQTT.Username }}"

  # Connect with the given password (optional)
  password="{{ .Backend.MQTT.Password }}"

  # Quality of service level
  #
  # 0: at most once
  # 1: at least once
  # 2: exactly once
  #
  # Note: an increase of this value will decrease the performance.
  # For more information: https://www.hivemq.com/blog/mqtt-essentials-part-6-mqtt-quality-of-service-levels
  qos={{ .Backend.MQTT.QOS }}

  # Clean session
  #
  # Set the "clean session" flag in the connect message when this client
  # connects to an MQTT broker. By setting this flag you are indicating
  # that no messages saved by the broker for this client should be delivered.
  clean_session={{ .Backend.MQTT.CleanSession }}

  # Client ID
  #
  # Set the client id to be used by this client when connecting to the MQTT
  # broker. A client id must be no longer than 23 characters. When left blank,
  # a random id will be generated. This requires clean_session=true.
  client_id="{{ .Backend.MQTT.ClientID }}"

  # CA certificate file (optional)
  #
  # Use this when setting up a secure connection (when server uses ssl://...)
  # but the certificate used by the server is not trusted by any CA certificate
  # on the server (e.g. when self generated).
  ca_cert="{{ .Backend.MQTT.CACert }}"

  # TLS certificate file (optional)
  tls_cert="{{ .Backend.MQTT.TLSCert }}"

  # TLS key file (optional)
  tls_key="{{ .Backend.MQTT.TLSKey }}"


# Monitoring settings.
[monitoring]
# IP:port to bind the monitoring endpoint to.
#
# When left blank, the monitoring endpoint will be disabled.
bind="{{ .Monitoring.Bind }}"

# Prometheus metrics endpoint.
#
# When set true, the Prometheus metrics will be served at '/metrics'.
prometheus_endpoint={{ .Monitoring.PrometheusEndpoint }}

# Healthcheck endpoint.
#
# When set to true, the healthcheck endpoint will be served at '/health'.
healthcheck_endpoint={{ .Monitoring.HealthcheckEndpoint }}
`

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print the ChirpStack Application Layer Device configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := template.Must(template.New("config").Parse(configTemplate))
		err := t.Execute(os.Stdout, &config.C)
		if err != nil {
			return errors.Wrap(err, "execute config template error")
		}
		return nil
	},
}
