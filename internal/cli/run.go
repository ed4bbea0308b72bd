package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailsync/internal/app"
	"github.com/lu-zhengda/mailsync/internal/auth"
	"github.com/lu-zhengda/mailsync/internal/config"
	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/logging"
	"github.com/lu-zhengda/mailsync/internal/notify"
	"github.com/lu-zhengda/mailsync/internal/processor"
	"github.com/lu-zhengda/mailsync/internal/provider/imap"
	"github.com/lu-zhengda/mailsync/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var (
		accountFlags   []string
		statusInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect accounts and keep them synced until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			mask := logging.Masker{Enabled: cfg.Log.MaskAddresses}
			notifier, closeNotifier, err := newNotifier(cfg, log, mask)
			if err != nil {
				return err
			}
			defer closeNotifier()

			dialer := imap.NewDialer(log, cfg.Transport.Debug)
			dialer.Mask = mask
			registry := store.NewRegistry(db, store.NewKeyringTokenStore())
			proc := processor.New(db, processor.Options{Notifier: notifier, Log: log, Mask: mask})
			events := newEventPrinter(os.Stdout, jsonFlag)
			mgr := app.NewManager(cfg, app.Dependencies{
				Registry:  registry,
				Messages:  db,
				Guard:     auth.NewGuard(auth.NewOAuthRefresher(cfg), registry, log),
				Dialer:    dialer,
				Processor: proc,
				Events:    events,
				Log:       log,
				Mask:      mask,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if len(accountFlags) == 0 {
				if err := mgr.ConnectAll(ctx); err != nil {
					log.Warn().Err(err).Msg("some accounts failed to connect")
				}
			} else {
				for _, key := range accountFlags {
					acct, err := findAccount(ctx, db, key)
					if err != nil {
						return err
					}
					if err := mgr.Connect(ctx, acct.ID); err != nil {
						log.Warn().Err(err).Str("account", acct.ID).Msg("failed to connect")
					}
				}
			}
			if len(mgr.Status()) == 0 {
				return fmt.Errorf("no active accounts; run 'mailsync account add' first")
			}

			var tick <-chan time.Time
			if statusInterval > 0 {
				ticker := time.NewTicker(statusInterval)
				defer ticker.Stop()
				tick = ticker.C
			}
		wait:
			for {
				select {
				case <-ctx.Done():
					break wait
				case <-tick:
					if err := printStatuses(mgr.DetailedStatus()); err != nil {
						return err
					}
				}
			}
			log.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			final := mgr.DetailedStatus()
			if err := mgr.Close(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("shutdown incomplete")
			}
			proc.Wait()

			return printStatuses(final)
		},
	}

	cmd.Flags().StringSliceVar(&accountFlags, "account", nil, "only sync these accounts (id or email, repeatable)")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", 0, "print connection status at this interval (0 disables)")
	return cmd
}

// newNotifier publishes to AMQP when a broker URL is configured and logs
// otherwise.
func newNotifier(cfg *config.Config, log zerolog.Logger, mask logging.Masker) (processor.Notifier, func(), error) {
	if cfg.Notify.AMQPURL == "" {
		return notify.LogNotifier{Log: log, Mask: mask}, func() {}, nil
	}
	n, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Exchange, cfg.Notify.RoutingKey, log)
	if err != nil {
		return nil, nil, err
	}
	return n, func() {
		if err := n.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close notifier")
		}
	}, nil
}

func printStatuses(statuses []domain.ConnectionStatus) error {
	if jsonFlag {
		return printJSON(toJSONStatuses(statuses))
	}
	return writeStatuses(os.Stdout, statuses)
}
