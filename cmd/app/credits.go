package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/infra/api"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust credit balances",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Print a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		bal, err := a.creditUC.GetBalance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", args[0], bal)
		return nil
	},
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Add credits to a user, creating the account if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		bal, err := a.creditUC.Grant(cmd.Context(), args[0], amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", args[0], bal)
		return nil
	},
}

var creditsChargeCmd = &cobra.Command{
	Use:   "charge <user-id> <amount>",
	Short: "Deduct credits if the balance covers the amount",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.creditUC.Charge(cmd.Context(), args[0], amount)
		if err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("insufficient credits: required %d, available %d", res.Required, res.Available)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", args[0], res.Remaining)
		return nil
	},
}

var creditsUsageCmd = &cobra.Command{
	Use:   "usage <user-id>",
	Short: "List recorded LLM usage as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := model.UsageFilter{UserID: args[0]}
		f.SessionID, _ = cmd.Flags().GetString("session")
		f.Model, _ = cmd.Flags().GetString("model")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			t := time.Now().Add(-since)
			f.Since = &t
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		items, sum, err := a.creditUC.Usage(cmd.Context(), f)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"items": items, "summary": sum})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint an API bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.API.JWTSecret == "" {
			return fmt.Errorf("api.jwt_secret (or JWT_SECRET) is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := api.NewAuthenticator(cfg.API.JWTSecret).Mint(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("amount must be a positive integer, got %q", s)
	}
	return n, nil
}

func init() {
	creditsUsageCmd.Flags().String("session", "", "only this session")
	creditsUsageCmd.Flags().String("model", "", "only this model")
	creditsUsageCmd.Flags().Int("limit", 50, "max records")
	creditsUsageCmd.Flags().Duration("since", 0, "only records newer than this (e.g. 24h)")
	creditsCmd.AddCommand(creditsBalanceCmd, creditsGrantCmd, creditsChargeCmd, creditsUsageCmd)

	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
