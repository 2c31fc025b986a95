// Command todo-token mints bearers for an API running in LOCAL_AUTH_MODE.
// The output is meant for TODO_TOKEN.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

type tokenOptions struct {
	name    string
	email   string
	picture string
	ttl     time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:           "todo-token <user-id>",
		Short:         "Mint a local-mode bearer signed with LOCAL_AUTH_SHARED_SECRET",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := mintToken(os.Getenv("LOCAL_AUTH_SHARED_SECRET"), args[0], opts, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", "", "display name claim")
	cmd.Flags().StringVar(&opts.email, "email", "", "email claim")
	cmd.Flags().StringVar(&opts.picture, "picture", "", "photo URL claim")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func mintToken(secret, userID string, opts tokenOptions, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("LOCAL_AUTH_SHARED_SECRET must be set")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}
	if opts.ttl <= 0 {
		return "", fmt.Errorf("invalid ttl %s", opts.ttl)
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(opts.ttl).Unix(),
	}
	if opts.name != "" {
		claims["name"] = opts.name
	}
	if opts.email != "" {
		claims["email"] = opts.email
	}
	if opts.picture != "" {
		claims["picture"] = opts.picture
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
