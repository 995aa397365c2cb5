package main

import (
	"context"
	"fmt"

	"optiondesk/internal/exchange/kite"

	"github.com/spf13/cobra"
)

var requestToken string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange a Kite login request token for an access token",
	Long: `token completes the Kite Connect login flow. Log in through the browser,
copy the request_token query parameter from the redirect and pass it here.
The printed access token goes into KITE_ACCESS_TOKEN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadSettings()
		if err != nil {
			return err
		}
		if c.Key == "" || c.Secret == "" {
			return fmt.Errorf("KITE_API_KEY and KITE_API_SECRET are required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*c.RESTTimeout)
		defer cancel()

		client := kite.NewREST(c.Key, c.Secret, "", c.BaseURL, c.RESTTimeout)
		token, err := client.GenerateSession(ctx, requestToken)
		if err != nil {
			return fmt.Errorf("generate session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&requestToken, "request-token", "", "request token from the login redirect")
	_ = tokenCmd.MarkFlagRequired("request-token")
}
