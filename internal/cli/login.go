package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/photarc/photarc/internal/api"
	"github.com/photarc/photarc/internal/config"
)

func newLoginCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a session token and save it to the config file",
		Long: `Exchange the server's shared secret for a session token and write it
to the config file. Later commands dial the event channel with the
saved token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadForLogin(cfgFile)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.ServerURL = serverURL
			}
			if cfg.ServerURL == "" {
				return config.ErrMissingServerURL
			}
			if secret == "" {
				secret, err = promptSecret("Server secret: ")
				if err != nil {
					return err
				}
			}

			client := api.NewClient(cfg.ServerURL, "", logger)
			result, err := client.Login(rootContext, secret, cfg.ClientID)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			cfg.Token = result.Token
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			fmt.Printf("Session token saved, expires %s\n", result.ExpiresAt.Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Server shared secret (prompted when omitted)")
	return cmd
}
