package cli

import (
	"fmt"

	"github.com/hirecj/cj-gateway/internal/config"
	"github.com/hirecj/cj-gateway/internal/identity"
	"github.com/spf13/cobra"
)

// newTokenCmd mints a signed identity token for a user, mainly for local
// testing against a running gateway.
func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed identity token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if cfg.Identity.Secret == "" {
				return fmt.Errorf("identity.secret is not configured")
			}

			resolver := identity.NewResolver(cfg.Identity.CookieName, cfg.Identity.Secret)
			userID := args[0]

			fmt.Printf("cookie:          %s=%s\n", cfg.Identity.CookieName, resolver.MintToken(userID))
			fmt.Printf("conversation id: %s\n", identity.ConversationID(userID))
			return nil
		},
	}
}
