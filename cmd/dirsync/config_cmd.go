package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/openmined/dirsync/internal/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configView is the effective configuration with secrets masked.
type configView struct {
	config.Config        `yaml:",inline"`
	Password             string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty" yaml:"private_key_passphrase,omitempty"`
	ConfigFile           string `json:"config_file,omitempty" yaml:"config_file,omitempty"`
}

func newConfigView(cfg *config.Config) configView {
	return configView{
		Config:               *cfg,
		Password:             utils.MaskSecret(cfg.Password),
		PrivateKeyPassphrase: utils.MaskSecret(cfg.PrivateKeyPassphrase),
		ConfigFile:           cfg.Path,
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			output, _ := cmd.Flags().GetString("output")
			if err := writeConfig(cmd.OutOrStdout(), newConfigView(cfg), output); err != nil {
				return err
			}

			verr := cfg.Validate()
			var problems syncerr.ConfigErrors
			if errors.As(verr, &problems) {
				fmt.Fprintln(cmd.ErrOrStderr(), red.Render("configuration problems:"))
				for _, p := range problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s %s\n", red.Render("✗"), p.Error())
				}
			}
			return verr
		},
	}
	cmd.Flags().StringP("output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func writeConfig(w io.Writer, view configView, format string) error {
	switch format {
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
}
