package cmd

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"reflect"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brocaar/chirpstack-applayer-device/internal/config"
)

var (
	cfgFile string
	version string
)

var rootCmd = &cobra.Command{
	Use:   "chirpstack-applayer-device",
	Short: "ChirpStack Application Layer Device",
	Long: `ChirpStack Application Layer Device implements the LoRaWAN application-layer packages of an end-device
	> source & copyright information: https://github.com/brocaar/chirpstack-applayer-device/`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (optional)")
	rootCmd.PersistentFlags().Int("log-level", 4, "debug=5, info=4, error=2, fatal=1, panic=0")

	viper.BindPFlag("general.log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	// default values
	viper.SetDefault("redis.servers", []string{"localhost:6379"})

	viper.SetDefault("device.dev_eui", "0000000000000000")
	viper.SetDefault("device.process_interval", 100*time.Millisecond)
	viper.SetDefault("device.data_buffer_size", 242)

	viper.SetDefault("mac.band.name", "EU868")
	viper.SetDefault("mac.band.min_frequency", 863000000)
	viper.SetDefault("mac.band.max_frequency", 870000000)
	viper.SetDefault("mac.max_multicast_groups", 4)
	viper.SetDefault("mac.persist_multicast_groups", true)

	viper.SetDefault("backend.type", "mqtt")
	viper.SetDefault("backend.mqtt.server", "tcp://localhost:1883")
	viper.SetDefault("backend.mqtt.clean_session", true)
	viper.SetDefault("backend.mqtt.downlink_topic_template", "device/{{ .DevEUI }}/command/down")
	viper.SetDefault("backend.mqtt.uplink_topic_template", "device/{{ .DevEUI }}/event/up")
	viper.SetDefault("backend.mqtt.event_topic_template", "device/{{ .DevEUI }}/event/{{ .EventType }}")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(printMCCmd)
	rootCmd.AddCommand(decodeCmd)
}

// Execute executes the root command.
func Execute(v string) {
	version = v

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func initConfig() {
	config.Version = version

	if cfgFile != "" {
		b, err := ioutil.ReadFile(cfgFile)
		if err != nil {
			log.WithError(err).WithField("config", cfgFile).Fatal("error loading config file")
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(b)); err != nil {
			log.WithError(err).WithField("config", cfgFile).Fatal("error loading config file")
		}
	} else {
		viper.SetConfigName("chirpstack-applayer-device")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/chirpstack-applayer-device")
		viper.AddConfigPath("/etc/chirpstack-applayer-device")
		if err := viper.ReadInConfig(); err != nil {
			switch err.(type) {
			case viper.ConfigFileNotFoundError:
				log.Warning("No configuration file found, using defaults.")
			default:
				log.WithError(err).Fatal("read configuration file error")
			}
		}
	}

	viperBindEnvs(config.C)

	viperHooks := mapstructure.ComposeDecodeHookFunc(
		viperDecodeJSONSlice,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := viper.Unmarshal(&config.C, viper.DecodeHook(viperHooks)); err != nil {
		log.WithError(err).Fatal("unmarshal config error")
	}

	// decode dev_eui
	if err := config.C.Device.DevEUI.UnmarshalText([]byte(config.C.Device.DevEUIString)); err != nil {
		log.WithError(err).Fatal("decode dev_eui error")
	}

	if config.C.Redis.URL != "" {
		opt, err := redis.ParseURL(config.C.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("redis url error")
		}

		config.C.Redis.Servers = []string{opt.Addr}
		config.C.Redis.Database = opt.DB
		config.C.Redis.Password = opt.Password
	}
}

func viperBindEnvs(iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)
	for i := 0; i < ift.NumField(); i++ {
		v := ifv.Field(i)
		t := ift.Field(i)
		tv, ok := t.Tag.Lookup("mapstructure")
		if !ok {
			tv = strings.ToLower(t.Name)
		}
		if tv == "-" {
			continue
		}

		switch v.Kind() {
		case reflect.Struct:
			viperBindEnvs(v.Interface(), append(parts, tv)...)
		default:
			// Bash doesn't allow env variable names with a dot so
			// bind the double underscore version.
			keyDot := strings.Join(append(parts, tv), ".")
			keyUnderscore := strings.Join(append(parts, tv), "__")
			viper.BindEnv(keyDot, strings.ToUpper(keyUnderscore))
		}
	}
}

func viperDecodeJSONSlice(rf reflect.Kind, rt reflect.Kind, data interface{}) (interface{}, error) {
	// input must be a string and destination must be a slice
	if rf != reflect.String || rt != reflect.Slice {
		return data, nil
	}

	raw := data.(string)

	// this decoder expects a JSON list
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return data, nil
	}

	var out []map[string]interface{}
	err := json.Unmarshal([]byte(raw), &out)

	return out, err
}
