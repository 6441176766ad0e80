package main

import (
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/internal/config"
	"github.com/MarkoPoloResearchLab/storycredits/internal/servicetoken"
	"github.com/spf13/cobra"
)

const (
	flagSubject = "subject"
	flagTTL     = "ttl"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for a backend caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			secret := v.GetString(flagServiceTokenSecret)
			if secret == "" {
				return fmt.Errorf("%s is required", flagServiceTokenSecret)
			}
			issuer := v.GetString(flagServiceTokenIssuer)
			if issuer == "" {
				issuer = config.Default().ServiceTokenIssuer
			}
			token, err := servicetoken.Mint([]byte(secret), issuer, subject, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, flagSubject, "", "caller identity placed in the token subject")
	cmd.Flags().DurationVar(&ttl, flagTTL, 24*time.Hour, "token lifetime")
	return cmd
}
