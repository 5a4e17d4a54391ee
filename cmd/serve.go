package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"omnillm/internal/router"
	"omnillm/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var overridePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") && (overridePort <= 0 || overridePort > 65535) {
				return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
			}

			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if overridePort != 0 {
				a.cfg.Server.Port = overridePort
			}

			srv, err := server.New(a.cfg, router.New(a.registry))
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&overridePort, "port", "p", 0, "override server port from configuration")

	return cmd
}
