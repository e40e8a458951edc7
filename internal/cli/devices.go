package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/config"
	"github.com/Dalmarthas/Beyond-Call/internal/daemon"
)

func init() {
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio sources that can be recorded",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		resp, ok, err := viaDaemon(cfg, daemon.Command{Cmd: daemon.CmdDevices})
		if err != nil {
			return err
		}
		devices := resp.Devices
		if !ok {
			if devices, err = capture.ListDevices(cmd.Context(), cfg.Capture.FFmpegPath); err != nil {
				return err
			}
		}

		if len(devices) == 0 {
			fmt.Println("No capture devices found")
			return nil
		}
		fmt.Printf("%-14s %-12s %-9s %s\n", "FORMAT", "LOCATOR", "LOOPBACK", "LABEL")
		for _, d := range devices {
			loop := ""
			if d.Loopback {
				loop = "yes"
			}
			fmt.Printf("%-14s %-12s %-9s %s\n", d.Format, d.Locator, loop, d.String())
		}
		return nil
	},
}
