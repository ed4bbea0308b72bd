package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailsync/internal/auth"
	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/store"
	"github.com/lu-zhengda/mailsync/internal/store/sqlite"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage linked mail accounts",
	}
	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountRemoveCmd())
	cmd.AddCommand(newAccountActiveCmd("enable", true))
	cmd.AddCommand(newAccountActiveCmd("disable", false))
	return cmd
}

func newAccountAddCmd() *cobra.Command {
	var (
		email        string
		providerName string
		refreshToken string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Link an account with an OAuth refresh token",
		Long: "Link an account. The refresh token is exchanged once to verify it, " +
			"then stored in the system keyring. It can also be passed via MAILSYNC_REFRESH_TOKEN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParseProvider(providerName)
			if err != nil {
				return err
			}
			email = strings.ToLower(strings.TrimSpace(email))
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if refreshToken == "" {
				refreshToken = os.Getenv("MAILSYNC_REFRESH_TOKEN")
			}
			if refreshToken == "" {
				return fmt.Errorf("--refresh-token or MAILSYNC_REFRESH_TOKEN is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			tok, err := auth.NewOAuthRefresher(cfg).Refresh(ctx, p, refreshToken)
			if err != nil {
				return fmt.Errorf("failed to verify refresh token: %w", err)
			}
			cred := domain.Credential{
				AccessToken:  tok.AccessToken,
				RefreshToken: refreshToken,
				Expiry:       tok.Expiry,
			}
			if tok.RefreshToken != "" {
				cred.RefreshToken = tok.RefreshToken
			}

			account := &domain.Account{
				ID:        email,
				Email:     email,
				Provider:  p,
				Active:    true,
				CreatedAt: time.Now(),
			}
			if err := db.CreateAccount(ctx, account); err != nil {
				return err
			}
			if err := store.NewKeyringTokenStore().SaveCredential(account.ID, cred); err != nil {
				_ = db.DeleteAccount(ctx, account.ID)
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "add", Email: email, AccountID: account.ID})
			}
			fmt.Printf("Account added: %s (%s)\n", email, p)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email address of the account")
	cmd.Flags().StringVar(&providerName, "provider", "gmail", "provider (gmail, outlook, yahoo)")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token issued for mailsync's client")
	return cmd
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List linked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			accounts, err := db.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONAccounts(accounts))
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts linked. Run 'mailsync account add' to add one.")
				return nil
			}
			return writeAccounts(os.Stdout, accounts)
		},
	}
}

func newAccountRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <email>",
		Short: "Unlink an account and delete its stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			target, err := findAccount(ctx, db, args[0])
			if err != nil {
				return err
			}
			if err := db.DeleteAccount(ctx, target.ID); err != nil {
				return err
			}
			if err := store.NewKeyringTokenStore().DeleteCredential(target.ID); err != nil {
				// Non-fatal: the credential may already be gone.
				fmt.Fprintf(os.Stderr, "Warning: could not remove credential from keyring: %v\n", err)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "remove", Email: target.Email, AccountID: target.ID})
			}
			fmt.Printf("Account removed: %s\n", target.Email)
			return nil
		},
	}
}

func newAccountActiveCmd(name string, active bool) *cobra.Command {
	short := "Resume syncing an account"
	if !active {
		short = "Pause syncing an account"
	}
	return &cobra.Command{
		Use:   name + " <email>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			target, err := findAccount(ctx, db, args[0])
			if err != nil {
				return err
			}
			if err := db.SetActive(ctx, target.ID, active); err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: name, Email: target.Email, AccountID: target.ID})
			}
			fmt.Printf("Account %sd: %s\n", name, target.Email)
			return nil
		},
	}
}

// findAccount matches by id or email address.
func findAccount(ctx context.Context, db *sqlite.DB, key string) (*domain.Account, error) {
	accounts, err := db.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	key = strings.ToLower(strings.TrimSpace(key))
	for i := range accounts {
		if accounts[i].ID == key || strings.EqualFold(accounts[i].Email, key) {
			return &accounts[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, key)
}
