package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mikequentel/threadrelay/internal/telegram"
	"github.com/mikequentel/threadrelay/internal/x"
)

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the Telegram and X credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var errs []error
			bot, err := telegram.NewBot(cfg.Telegram.Token)
			if err != nil {
				errs = append(errs, err)
			} else {
				fmt.Fprintf(out, "Telegram: ok (@%s)\n", bot.Self.UserName)
			}

			if cfg.Relay.DryRun {
				fmt.Fprintln(out, "X: skipped (dry run)")
			} else {
				client := x.NewClient(cmd.Context(), x.Credentials{
					ConsumerKey:    cfg.X.ConsumerKey,
					ConsumerSecret: cfg.X.ConsumerSecret,
					AccessToken:    cfg.X.AccessToken,
					AccessSecret:   cfg.X.AccessSecret,
				}, cfg.X.APIVersion, logger)
				name, err := client.VerifyCredentials(cmd.Context())
				if err != nil {
					errs = append(errs, err)
				} else {
					fmt.Fprintf(out, "X: ok (@%s)\n", name)
				}
			}
			return errors.Join(errs...)
		},
	}
}
