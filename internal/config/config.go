package config

import (
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

// Version defines the ChirpStack Application Layer Device version.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel    int  `mapstructure:"log_level"`
		LogToSyslog bool `mapstructure:"log_to_syslog"`
	} `mapstructure:"general"`

	Redis struct {
		URL        string   `mapstructure:"url"` // deprecated
		Servers    []string `mapstructure:"servers"`
		Cluster    bool     `mapstructure:"cluster"`
		MasterName string   `mapstructure:"master_name"`
		PoolSize   int      `mapstructure:"pool_size"`
		Password   string   `mapstructure:"password"`
		Database   int      `mapstructure:"database"`
		TLSEnabled bool     `mapstructure:"tls_enabled"`
		KeyPrefix  string   `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	Device struct {
		DevEUI          lorawan.EUI64 `mapstructure:"-"`
		DevEUIString    string        `mapstructure:"dev_eui"`
		ProcessInterval time.Duration `mapstructure:"process_interval"`
		DataBufferSize  int           `mapstructure:"data_buffer_size"`
	} `mapstructure:"device"`

	MAC struct {
		Band struct {
			Name                   band.Name `mapstructure:"name"`
			RepeaterCompatible     bool      `mapstructure:"repeater_compatible"`
			DownlinkDwellTime400ms bool      `mapstructure:"downlink_dwell_time_400ms"`
			MinFrequency           uint32    `mapstructure:"min_frequency"`
			MaxFrequency           uint32    `mapstructure:"max_frequency"`
		} `mapstructure:"band"`

		MaxMulticastGroups     int  `mapstructure:"max_multicast_groups"`
		PersistMulticastGroups bool `mapstructure:"persist_multicast_groups"`
	} `mapstructure:"mac"`

	Backend struct {
		Type string `mapstructure:"type"`

		MQTT struct {
			Server       string `mapstructure:"server"`
			Username     string `mapstructure:"username"`
			Password     string `mapstructure:"password"`
			QOS          uint8  `mapstructure:"qos"`
			CleanSession bool   `mapstructure:"clean_session"`
			ClientID     string `mapstructure:"client_id"`
			CACert       string `mapstructure:"ca_cert"`
			TLSCert      string `mapstructure:"tls_cert"`
			TLSKey       string `mapstructure:"tls_key"`

			DownlinkTopicTemplate string `mapstructure:"downlink_topic_template"`
			UplinkTopicTemplate   string `mapstructure:"uplink_topic_template"`
			EventTopicTemplate    string `mapstructure:"event_topic_template"`
		} `mapstructure:"mqtt"`
	} `mapstructure:"backend"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
	} `mapstructure:"monitoring"`
}

// C holds the global configuration.
var C Config
