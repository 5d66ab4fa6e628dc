package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/example/slotwatch/internal/accounts"
	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/crypto"
	"github.com/spf13/cobra"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage booking accounts",
	}
	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountDisableCmd())
	return cmd
}

func openAccounts(ctx context.Context, cfg config.Config, migrateUp bool) (*accounts.Repo, func(), error) {
	if len(cfg.SealKey) == 0 {
		return nil, nil, fmt.Errorf("SEAL_KEY is required")
	}
	sealer, err := crypto.New(cfg.SealKey)
	if err != nil {
		return nil, nil, err
	}
	d, err := openDB(ctx, cfg, migrateUp)
	if err != nil {
		return nil, nil, err
	}
	return accounts.NewRepo(d, sealer), d.Close, nil
}

func newAccountAddCmd() *cobra.Command {
	var owner, label, login string
	c := &cobra.Command{
		Use:   "add",
		Short: "Add an account; the secret is read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.ErrOrStderr(), "secret: ")
			secret, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && secret == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			secret = strings.TrimRight(secret, "\r\n")

			ctx := context.Background()
			repo, closeDB, err := openAccounts(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer closeDB()

			id, err := repo.Create(ctx, owner, label, login, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created account id=%d owner=%s label=%q\n", id, owner, label)
			return nil
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "owner chat id")
	c.Flags().StringVar(&label, "label", "", "account label, unique per owner")
	c.Flags().StringVar(&login, "login", "", "site login")
	_ = c.MarkFlagRequired("owner")
	_ = c.MarkFlagRequired("label")
	_ = c.MarkFlagRequired("login")
	return c
}

func newAccountListCmd() *cobra.Command {
	var owner string
	c := &cobra.Command{
		Use:   "list",
		Short: "List an owner's accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			repo, closeDB, err := openAccounts(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closeDB()

			as, err := repo.List(ctx, owner)
			if err != nil {
				return err
			}
			for _, a := range as {
				fmt.Fprintf(cmd.OutOrStdout(), "id=%d label=%q login=%s active=%t\n", a.ID, a.Label, a.Login, a.Active)
			}
			return nil
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "owner chat id")
	_ = c.MarkFlagRequired("owner")
	return c
}

func newAccountDisableCmd() *cobra.Command {
	var (
		id     int64
		enable bool
	)
	c := &cobra.Command{
		Use:   "disable",
		Short: "Exclude an account from future batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			repo, closeDB, err := openAccounts(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := repo.SetActive(ctx, id, enable); err != nil {
				return fmt.Errorf("account %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account id=%d active=%t\n", id, enable)
			return nil
		},
	}
	c.Flags().Int64Var(&id, "id", 0, "account id")
	c.Flags().BoolVar(&enable, "enable", false, "re-enable instead of disabling")
	_ = c.MarkFlagRequired("id")
	return c
}
