package imap

import (
	"cmp"
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/lu-zhengda/mailsync/internal/provider"
)

// idleStopTimeout bounds the DONE exchange that ends an IDLE command.
const idleStopTimeout = 30 * time.Second

// Transport is a single authenticated IMAP session.
type Transport struct {
	accountID string
	conn      net.Conn
	client    *imapclient.Client
	log       zerolog.Logger

	numMessages atomic.Uint32
	updates     chan struct{}
}

var _ provider.Transport = (*Transport)(nil)

func (t *Transport) handleMailbox(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages == nil {
		return
	}
	prev := t.numMessages.Swap(*data.NumMessages)
	if *data.NumMessages <= prev {
		return
	}
	select {
	case t.updates <- struct{}{}:
	default:
	}
}

// bind applies ctx's deadline to the connection and aborts blocked I/O when ctx
// is cancelled. The returned func must be called once the command completes.
func (t *Transport) bind(ctx context.Context) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(dl)
	}
	var (
		mu       sync.Mutex
		finished bool
	)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			if !finished {
				_ = t.conn.SetDeadline(time.Unix(1, 0))
			}
			mu.Unlock()
		case <-done:
		}
	}()
	return func() {
		mu.Lock()
		finished = true
		_ = t.conn.SetDeadline(time.Time{})
		mu.Unlock()
		close(done)
	}
}

func (t *Transport) SelectInbox(ctx context.Context) (provider.Mailbox, error) {
	release := t.bind(ctx)
	defer release()

	data, err := t.client.Select("INBOX", nil).Wait()
	if err != nil {
		return provider.Mailbox{}, wrapErr(t.accountID, "select", err)
	}
	t.numMessages.Store(data.NumMessages)
	// A fresh SELECT reports the current count; nothing is pending.
	select {
	case <-t.updates:
	default:
	}
	return provider.Mailbox{
		NumMessages: data.NumMessages,
		UIDNext:     uint32(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}, nil
}

func (t *Transport) FetchRecent(ctx context.Context, n int) ([]provider.Envelope, error) {
	total := t.numMessages.Load()
	if total == 0 || n <= 0 {
		return nil, nil
	}
	start := uint32(1)
	if total > uint32(n) {
		start = total - uint32(n) + 1
	}
	var seq imap.SeqSet
	seq.AddRange(start, total)

	release := t.bind(ctx)
	defer release()
	msgs, err := t.client.Fetch(seq, &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, wrapErr(t.accountID, "fetch envelopes", err)
	}

	envs := make([]provider.Envelope, 0, len(msgs))
	for _, buf := range msgs {
		envs = append(envs, envelopeFromBuffer(buf))
	}
	slices.SortFunc(envs, func(a, b provider.Envelope) int { return cmp.Compare(a.UID, b.UID) })
	return envs, nil
}

func (t *Transport) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	return t.search(ctx, "search since", &imap.SearchCriteria{Since: since}, 0)
}

func (t *Transport) SearchAfter(ctx context.Context, uid uint32) ([]uint32, error) {
	var set imap.UIDSet
	// uid+1:* always matches the highest UID, so results are filtered below.
	set.AddRange(imap.UID(uid+1), 0)
	return t.search(ctx, "search after", &imap.SearchCriteria{UID: []imap.UIDSet{set}}, uid)
}

func (t *Transport) search(ctx context.Context, op string, criteria *imap.SearchCriteria, above uint32) ([]uint32, error) {
	release := t.bind(ctx)
	defer release()

	data, err := t.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, wrapErr(t.accountID, op, err)
	}
	var uids []uint32
	for _, uid := range data.AllUIDs() {
		if uint32(uid) > above {
			uids = append(uids, uint32(uid))
		}
	}
	slices.Sort(uids)
	return uids, nil
}

func (t *Transport) FetchMessages(ctx context.Context, uids []uint32) ([]provider.RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}
	section := &imap.FetchItemBodySection{Peek: true}

	release := t.bind(ctx)
	defer release()
	msgs, err := t.client.Fetch(imap.UIDSetNum(set...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, wrapErr(t.accountID, "fetch bodies", err)
	}

	raws := make([]provider.RawMessage, 0, len(msgs))
	for _, buf := range msgs {
		raws = append(raws, provider.RawMessage{
			UID:          uint32(buf.UID),
			Flags:        flagStrings(buf.Flags),
			InternalDate: buf.InternalDate,
			Body:         buf.FindBodySection(section),
		})
	}
	slices.SortFunc(raws, func(a, b provider.RawMessage) int { return cmp.Compare(a.UID, b.UID) })
	return raws, nil
}

func (t *Transport) Idle(ctx context.Context, refresh time.Duration) (provider.IdleResult, error) {
	// EXISTS seen between commands counts as a change.
	select {
	case <-t.updates:
		return provider.IdleChanged, nil
	default:
	}

	cmd, err := t.client.Idle()
	if err != nil {
		return provider.IdleStopped, wrapErr(t.accountID, "idle", err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var tick <-chan time.Time
	if refresh > 0 {
		timer := time.NewTimer(refresh)
		defer timer.Stop()
		tick = timer.C
	}

	result := provider.IdleStopped
	select {
	case <-ctx.Done():
	case <-t.updates:
		result = provider.IdleChanged
	case <-tick:
		result = provider.IdleRefresh
	case err := <-waitErr:
		if err == nil {
			err = errConnClosed
		}
		return provider.IdleStopped, wrapErr(t.accountID, "idle", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), idleStopTimeout)
	defer cancel()
	release := t.bind(stopCtx)
	defer release()
	if err := cmd.Close(); err != nil {
		return result, wrapErr(t.accountID, "idle done", err)
	}
	if err := <-waitErr; err != nil {
		return result, wrapErr(t.accountID, "idle done", err)
	}
	return result, nil
}

func (t *Transport) Alive() bool {
	select {
	case <-t.client.Closed():
		return false
	default:
		return true
	}
}

func (t *Transport) Logout(ctx context.Context) error {
	release := t.bind(ctx)
	defer release()
	if err := t.client.Logout().Wait(); err != nil {
		return wrapErr(t.accountID, "logout", err)
	}
	return nil
}

func (t *Transport) Close() error {
	if err := t.client.Close(); err != nil && !errors.Is(err, errConnClosed) {
		return wrapErr(t.accountID, "close", err)
	}
	return nil
}

func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) provider.Envelope {
	env := provider.Envelope{
		UID:          uint32(buf.UID),
		InternalDate: buf.InternalDate,
		Flags:        flagStrings(buf.Flags),
	}
	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date
	}
	return env
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
