package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type serveOptions struct {
	configPath string
	envFile    string
	nodeID     string
	port       int
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "configserver",
		Short:         "Multi-tenant configuration server with peer replication",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts := &serveOptions{}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serveCmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	serveCmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file loaded before the environment")
	serveCmd.Flags().StringVar(&opts.nodeID, "node-id", "", "own node id, overrides the configuration")
	serveCmd.Flags().IntVarP(&opts.port, "port", "p", 0, "listen port, overrides the configuration")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
