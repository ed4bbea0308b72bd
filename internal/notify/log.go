package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/logging"
)

// LogNotifier writes high-priority messages to the log. It is used when no
// broker is configured.
type LogNotifier struct {
	Log  zerolog.Logger
	Mask logging.Masker
}

func (n LogNotifier) Notify(_ context.Context, msg domain.Message) error {
	n.Log.Info().
		Str("account", msg.AccountID).
		Str("message", msg.ID).
		Str("from", n.Mask.Addr(msg.From.Email)).
		Str("subject", msg.Subject).
		Msg("priority message")
	return nil
}
