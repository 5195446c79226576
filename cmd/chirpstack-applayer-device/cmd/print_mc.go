package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-applayer-device/internal/config"
	"github.com/brocaar/chirpstack-applayer-device/internal/storage"
	"github.com/brocaar/lorawan"
)

var printMCCmd = &cobra.Command{
	Use:     "print-mc",
	Short:   "Print the stored multicast channels as JSON (for debugging)",
	Example: `chirpstack-applayer-device print-mc 0102030405060708`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			log.Fatalf("hex encoded DevEUI must be given as an argument")
		}

		if err := storage.Setup(config.C); err != nil {
			log.Fatal(err)
		}

		var devEUI lorawan.EUI64
		if err := devEUI.UnmarshalText([]byte(args[0])); err != nil {
			log.WithError(err).Fatal("decode DevEUI error")
		}

		channels, err := storage.NewMulticastChannelStore(devEUI).GetMulticastChannels(context.Background())
		if err != nil {
			log.WithError(err).Fatal("get multicast channels error")
		}

		b, err := json.MarshalIndent(channels, "", "    ")
		if err != nil {
			log.WithError(err).Fatal("json marshal error")
		}

		fmt.Println(string(b))
	},
}
