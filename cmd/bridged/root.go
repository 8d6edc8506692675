package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pushchain/bridge-core/bridgeCore/constant"
)

var homeFlag string

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bridged",
		Short:         "Cross-chain bridge node daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	home := constant.DefaultNodeHome
	if v, ok := os.LookupEnv("BRIDGE_HOME"); ok && v != "" {
		home = v
	}
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", home, "node home directory")

	InitRootCmd(rootCmd)

	return rootCmd
}
