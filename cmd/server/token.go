package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pulse-live/internal/auth"
	"pulse-live/internal/config"
)

// newTokenCommand signs a bearer JWT with the configured secret. Intended for
// local development and smoke tests; production tokens come from the
// identity provider.
func newTokenCommand(out io.Writer, configFile *string) *cobra.Command {
	var (
		userID    string
		username  string
		avatarURL string
		ttl       time.Duration
		secret    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			cfg, err := config.Load(config.LoadOptions{File: *configFile})
			if err != nil {
				return err
			}
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("jwt secret required: set --secret or PULSE_AUTH_JWT_SECRET")
			}
			verifier, err := auth.NewJWTVerifier(secret, auth.WithIssuer(cfg.Auth.JWTIssuer))
			if err != nil {
				return err
			}
			token, err := verifier.Issue(auth.Identity{
				UserID:    strings.TrimSpace(userID),
				Username:  strings.TrimSpace(username),
				AvatarURL: strings.TrimSpace(avatarURL),
			}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the subject claim")
	cmd.Flags().StringVar(&username, "name", "", "display name")
	cmd.Flags().StringVar(&avatarURL, "avatar", "", "avatar URL")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret; defaults to auth.jwt-secret")
	return cmd
}
