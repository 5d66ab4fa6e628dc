package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/example/slotwatch/internal/auth"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	var password string
	c := &cobra.Command{
		Use:   "keys",
		Short: "Generate COOKIE_HASH_KEY, COOKIE_BLOCK_KEY and SEAL_KEY values (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range []string{"COOKIE_HASH_KEY", "COOKIE_BLOCK_KEY", "SEAL_KEY"} {
				k := make([]byte, 32)
				if _, err := rand.Read(k); err != nil {
					return err
				}
				fmt.Fprintf(out, "export %s=%s\n", name, base64.StdEncoding.EncodeToString(k))
			}
			if password != "" {
				h, err := auth.HashPassword(password)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "export ADMIN_PASSWORD_BCRYPT='%s'\n", h)
			}
			return nil
		},
	}
	c.Flags().StringVar(&password, "admin-password", "", "also print a bcrypt hash for this admin password")
	return c
}
