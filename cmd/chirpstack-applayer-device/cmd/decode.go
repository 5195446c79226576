package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-applayer-device/internal/applayer/multicastsetup"
)

var decodeUplink bool

var decodeCmd = &cobra.Command{
	Use:     "decode",
	Short:   "Decode a hex encoded Remote Multicast Setup payload and print it as JSON",
	Example: `chirpstack-applayer-device decode 000302`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := hex.DecodeString(args[0])
		if err != nil {
			return errors.Wrap(err, "decode hex error")
		}

		var cmds multicastsetup.Commands
		decodeErr := cmds.UnmarshalBinary(decodeUplink, b)

		out, err := json.MarshalIndent(cmds, "", "    ")
		if err != nil {
			return errors.Wrap(err, "json marshal error")
		}
		fmt.Println(string(out))

		return errors.Wrap(decodeErr, "unmarshal commands error")
	},
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeUplink, "uplink", false, "decode as uplink (answers)")
}
