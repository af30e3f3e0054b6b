// Command parallaxd is the control-plane process entrypoint: it loads
// configuration, assembles C1–C13, and serves the HTTP surface and
// background loops described in spec.md.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "parallaxd",
	Short: "parallax control-plane daemon",
	Long:  "parallaxd runs the parallax control plane: consensus, locking, state bus, runtime federation, workflow engine, scheduler, and trigger dispatcher.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars always take precedence")
}
