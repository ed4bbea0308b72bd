package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/store"
	"github.com/lu-zhengda/mailsync/internal/store/sqlite"
)

func newMessagesCmd() *cobra.Command {
	var (
		accountFlag  string
		categoryFlag string
		limitFlag    int
		offsetFlag   int
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List indexed messages",
		Long:  "List indexed messages for an account, newest first, optionally filtered by category.",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			acct, err := resolveAccountFlag(ctx, db, accountFlag)
			if err != nil {
				return err
			}

			msgs, err := db.ListMessages(ctx, store.ListMessageOptions{
				AccountID: acct.ID,
				Category:  domain.Category(categoryFlag),
				Limit:     limitFlag,
				Offset:    offsetFlag,
			})
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONMessages(msgs))
			}
			if len(msgs) == 0 {
				fmt.Println("No messages found.")
				return nil
			}
			return writeMessages(os.Stdout, msgs)
		},
	}

	cmd.Flags().StringVar(&accountFlag, "account", "", "account id or email (defaults to the first account)")
	cmd.Flags().StringVar(&categoryFlag, "category", "", "category filter (priority, primary, bulk, unclassified)")
	cmd.Flags().IntVar(&limitFlag, "limit", 25, "max messages to show")
	cmd.Flags().IntVar(&offsetFlag, "offset", 0, "messages to skip")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <message-id>",
		Short: "Show one indexed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			msg, err := db.GetMessage(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONMessageDetail(msg))
			}

			fmt.Printf("Subject: %s\n", msg.Subject)
			fmt.Printf("From: %s\n", msg.From)
			if len(msg.To) > 0 {
				fmt.Printf("To: %s\n", joinAddresses(msg.To))
			}
			if len(msg.CC) > 0 {
				fmt.Printf("CC: %s\n", joinAddresses(msg.CC))
			}
			fmt.Printf("Date: %s\n", msg.Date.Format("Mon, Jan 2 2006 3:04 PM"))
			fmt.Printf("Category: %s (%.2f)\n", msg.Category, msg.Confidence)
			fmt.Printf("Message ID: %s\n", msg.ID)
			for _, a := range msg.Attachments {
				fmt.Printf("Attachment: %s (%s, %d bytes)\n", a.Filename, a.MIMEType, a.Size)
			}
			fmt.Println(strings.Repeat("─", 60))
			fmt.Println(msg.Text)
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	var (
		accountFlag string
		limitFlag   int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed messages",
		Long:  "Full-text search across subject, body, and sender.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			acct, err := resolveAccountFlag(ctx, db, accountFlag)
			if err != nil {
				return err
			}

			msgs, err := db.SearchMessages(ctx, query, acct.ID, limitFlag)
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONMessages(msgs))
			}
			if len(msgs) == 0 {
				fmt.Println("No results found.")
				return nil
			}
			return writeMessages(os.Stdout, msgs)
		},
	}

	cmd.Flags().StringVar(&accountFlag, "account", "", "account id or email (defaults to the first account)")
	cmd.Flags().IntVar(&limitFlag, "limit", 25, "max results to show")
	return cmd
}

// resolveAccountFlag resolves the account from the flag or falls back to the
// first linked account.
func resolveAccountFlag(ctx context.Context, db *sqlite.DB, accountFlag string) (*domain.Account, error) {
	if accountFlag != "" {
		return findAccount(ctx, db, accountFlag)
	}
	accounts, err := db.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts linked; run 'mailsync account add' first")
	}
	return &accounts[0], nil
}

func joinAddresses(addrs []domain.Address) string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return strings.Join(out, ", ")
}
