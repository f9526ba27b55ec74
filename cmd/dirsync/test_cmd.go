package main

import (
	"context"
	"fmt"

	"github.com/openmined/dirsync/internal/transport"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test the connection to the remote server and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			hub := newNotifier(cfg)
			defer closeNotifier(hub)

			t, err := transport.New(cfg, afero.NewOsFs())
			if err != nil {
				return err
			}
			lifecycle := transport.NewLifecycle(t)
			defer lifecycle.Shutdown(context.WithoutCancel(cmd.Context()))

			out := cmd.OutOrStdout()
			proto := cfg.Protocol.Upper()
			if err := lifecycle.TestConnection(cmd.Context(), cfg.Protocol); err != nil {
				hub.Error("FileSyncApp Error", "Connection test failed: "+err.Error())
				fmt.Fprintf(out, "%s %s connection to %s failed: %v\n", red.Render("✗"), proto, remoteURL(cfg), err)
				return err
			}

			hub.Info("Connection Success", fmt.Sprintf("%s connection test successful", proto))
			fmt.Fprintf(out, "%s %s connection to %s successful\n", green.Render("✓"), proto, remoteURL(cfg))
			return nil
		},
	}
}
