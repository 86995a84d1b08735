package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/HASMAC-AS/daylist/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "daylist",
	Short:   "Shared task list synced peer-to-peer over WebRTC",
	Long:    `Daylist keeps a task list in sync across devices without a central database. Peers discover each other through a lightweight websocket relay, then exchange document updates directly over WebRTC data channels. Updates are compressed on the wire and, when a room secret is set, end-to-end encrypted so the relay never sees content.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
