package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/HASMAC-AS/daylist/internal/logging"
	"github.com/HASMAC-AS/daylist/internal/relay"
)

var flagAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a signaling relay server",
	Long: `Run the websocket relay that rooms use for peer discovery and WebRTC
signaling. The relay only forwards opaque payloads between room members;
with a room secret set it cannot read any of them.

Examples:
  daylist relay
  daylist relay --addr :9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay()
	},
}

func init() {
	relayCmd.Flags().StringVar(&flagAddr, "addr", ":8080", "listen address")
	rootCmd.AddCommand(relayCmd)
}

func runRelay() error {
	log := logging.Component("relay")

	hub := relay.NewHub(log)
	go hub.Run()

	log.Info("relay listening", "addr", flagAddr)
	return http.ListenAndServe(flagAddr, relay.Handler(hub, log))
}
