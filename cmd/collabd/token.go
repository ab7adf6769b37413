package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsyncio/docsync/auth"
)

// newTokenCmd issues a development access token so a client can connect
// without the full auth service.
func newTokenCmd() *cobra.Command {
	var (
		userID string
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" || secret == "" {
				return fmt.Errorf("both --user and --jwt-secret are required")
			}
			token, err := auth.NewVerifier(secret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&userID, "user", "", "user id to embed in the token")
	fs.StringVar(&secret, "jwt-secret", "", "secret the server verifies tokens with")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")

	return cmd
}
