package app

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/processor"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

// initialSync fetches the newest messages inside the horizon so the account
// is usable right away. Older history is left to the background batches. A
// record that already synced once instead catches up on everything that
// arrived above its watermark while the session was down.
func (m *Manager) initialSync(ctx context.Context, st *connState, tr provider.Transport) error {
	if !m.setPhase(st, domain.PhaseSyncing) {
		return domain.ErrDisconnected
	}
	horizon := m.cfg.Horizon(m.now())

	m.mu.Lock()
	resume, after := st.synced, max(st.watermark, st.baseline)
	m.mu.Unlock()
	if resume {
		n, err := m.fetchAbove(ctx, st, tr, after, horizon)
		if err != nil {
			return err
		}
		st.log.Info().Uint32("after", after).Int("processed", n).Msg("caught up after reconnect")
		if n > 0 {
			m.emit(domain.Event{Kind: domain.EventNewEmails, AccountID: st.accountID, Count: n})
		}
		return nil
	}

	envs, err := tr.FetchRecent(ctx, m.cfg.Sync.InitialLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch recent messages: %w", err)
	}

	var (
		baseline uint32
		uids     []uint32
	)
	for _, env := range envs {
		baseline = max(baseline, env.UID)
		if when := env.When(); !when.IsZero() && when.Before(horizon) {
			continue
		}
		uids = append(uids, env.UID)
	}

	m.mu.Lock()
	st.baseline = max(st.baseline, baseline)
	m.mu.Unlock()

	fresh := m.filterDuplicates(ctx, st, uids)
	n, err := m.fetchAndProcess(ctx, st, tr, fresh, horizon)
	if err != nil {
		return err
	}

	m.mu.Lock()
	st.synced = true
	m.mu.Unlock()
	st.log.Info().
		Int("window", len(envs)).
		Int("in_horizon", len(uids)).
		Int("processed", n).
		Msg("initial sync complete")
	return nil
}

// fetchAbove processes every UID above after that is not yet handled, oldest
// first and in batches, so the watermark never passes an unprocessed UID.
func (m *Manager) fetchAbove(ctx context.Context, st *connState, tr provider.Transport, after uint32, horizon time.Time) (int, error) {
	uids, err := tr.SearchAfter(ctx, after)
	if err != nil {
		return 0, fmt.Errorf("failed to search new messages: %w", err)
	}

	m.mu.Lock()
	l := m.ledgers[st.accountID]
	uids = slices.DeleteFunc(uids, func(uid uint32) bool {
		return uid <= after || l.has(uid)
	})
	m.mu.Unlock()
	slices.Sort(uids)

	var total int
	for batch := range slices.Chunk(uids, m.cfg.Sync.BatchSize) {
		fresh := m.filterDuplicates(ctx, st, batch)
		n, err := m.fetchAndProcess(ctx, st, tr, fresh, horizon)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// filterDuplicates drops UIDs already handled in this process or already
// present in the message store. Confirmed duplicates are recorded so they are
// never looked up twice.
func (m *Manager) filterDuplicates(ctx context.Context, st *connState, uids []uint32) []uint32 {
	if len(uids) == 0 {
		return nil
	}
	m.mu.Lock()
	l := m.ledgers[st.accountID]
	candidates := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if !l.has(uid) {
			candidates = append(candidates, uid)
		}
	}
	m.mu.Unlock()

	var fresh, dups []uint32
	for _, uid := range candidates {
		exists, err := m.messages.ExistsByID(ctx, processor.StableID(st.accountID, uid))
		if err != nil {
			// A failed lookup is not proof of a duplicate.
			st.log.Warn().Err(err).Uint32("uid", uid).Msg("duplicate check failed")
			fresh = append(fresh, uid)
			continue
		}
		if exists {
			dups = append(dups, uid)
			continue
		}
		fresh = append(fresh, uid)
	}

	if len(dups) > 0 {
		m.mu.Lock()
		l.add(dups...)
		for _, uid := range dups {
			st.advance(uid)
		}
		m.mu.Unlock()
		st.log.Debug().Int("count", len(dups)).Msg("skipped already indexed messages")
	}
	return fresh
}

// fetchAndProcess downloads uids and runs them through the processor. FETCH
// commands are paced by the record's limiter on every path. Messages
// delivered before horizon are dropped unless horizon is zero. Every requested
// UID is recorded as handled once the batch has been processed.
func (m *Manager) fetchAndProcess(ctx context.Context, st *connState, tr provider.Transport, uids []uint32, horizon time.Time) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	if err := st.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	raws, err := tr.FetchMessages(ctx, uids)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %d messages: %w", len(uids), err)
	}
	if !horizon.IsZero() {
		raws = slices.DeleteFunc(raws, func(r provider.RawMessage) bool {
			return !r.InternalDate.IsZero() && r.InternalDate.Before(horizon)
		})
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	acct := st.account
	m.mu.Unlock()

	res := m.proc.Process(ctx, acct, raws)

	now := m.now()
	m.mu.Lock()
	m.ledgers[st.accountID].add(uids...)
	st.advance(slices.Max(uids))
	st.processed += res.Processed
	if res.Processed > 0 && st.account != nil {
		st.account.LastSyncAt = now
	}
	m.mu.Unlock()

	if res.Processed > 0 {
		if err := m.registry.MarkSynced(ctx, st.accountID); err != nil {
			st.log.Warn().Err(err).Msg("failed to record sync time")
		}
	}
	if res.Failed > 0 {
		st.log.Warn().Int("failed", res.Failed).Msg("some messages could not be parsed")
	}
	return res.Processed, nil
}

// scheduleBackground arms the next background batch. It is a no-op once the
// backfill is finished or while a batch is already pending.
func (m *Manager) scheduleBackground(st *connState, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isCurrentLocked(st) || st.bgDone || st.bgTimer != nil || st.bgQueued {
		return
	}
	st.bgTimer = m.after(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.isCurrentLocked(st) {
			return
		}
		st.bgTimer = nil
		st.bgQueued = true
		if st.interrupt != nil {
			st.interrupt()
		}
	})
}

// runBackgroundBatch processes the next slice of older messages inside the
// horizon, newest first. It runs on the watcher goroutine, which owns tr.
func (m *Manager) runBackgroundBatch(ctx context.Context, st *connState, tr provider.Transport) error {
	horizon := m.cfg.Horizon(m.now())

	m.mu.Lock()
	searched := st.bgSearched
	m.mu.Unlock()

	if !searched {
		uids, err := tr.SearchSince(ctx, horizon)
		if err != nil {
			return fmt.Errorf("failed to search backfill: %w", err)
		}
		m.mu.Lock()
		l := m.ledgers[st.accountID]
		uids = slices.DeleteFunc(uids, l.has)
		slices.SortFunc(uids, newestFirst)
		st.backfill = uids
		st.bgSearched = true
		m.mu.Unlock()
		st.log.Info().Int("pending", len(uids)).Msg("background sync started")
	}

	m.mu.Lock()
	remaining := m.cfg.Sync.MaxTotalMessages - st.processed
	n := min(m.cfg.Sync.BatchSize, len(st.backfill), remaining)
	if n <= 0 {
		st.bgDone = true
		processed := st.processed
		m.mu.Unlock()
		st.log.Info().Int("processed", processed).Msg("background sync finished")
		return nil
	}
	batch := slices.Clone(st.backfill[:n])
	st.backfill = st.backfill[n:]
	m.mu.Unlock()

	if !m.setPhase(st, domain.PhaseSyncing) {
		return domain.ErrDisconnected
	}

	slices.Sort(batch)
	fresh := m.filterDuplicates(ctx, st, batch)
	processed, err := m.fetchAndProcess(ctx, st, tr, fresh, horizon)
	if err != nil {
		m.requeue(st, batch)
		return err
	}
	m.setPhase(st, domain.PhaseWatching)

	m.mu.Lock()
	more := len(st.backfill) > 0 && st.processed < m.cfg.Sync.MaxTotalMessages
	if !more {
		st.bgDone = true
	}
	pending, total := len(st.backfill), st.processed
	m.mu.Unlock()

	st.log.Info().
		Int("batch", len(batch)).
		Int("processed", processed).
		Int("total", total).
		Int("pending", pending).
		Msg("background batch complete")
	if more {
		m.scheduleBackground(st, m.cfg.Sync.BatchCooldown.Duration)
	}
	return nil
}

// requeue puts an unfinished batch back in front of the backfill queue.
func (m *Manager) requeue(st *connState, batch []uint32) {
	slices.SortFunc(batch, newestFirst)
	m.mu.Lock()
	st.backfill = append(batch, st.backfill...)
	m.mu.Unlock()
}

// setPhase updates the phase of a current record.
func (m *Manager) setPhase(st *connState, p domain.Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isCurrentLocked(st) {
		return false
	}
	st.phase = p
	return true
}

func newestFirst(a, b uint32) int { return cmp.Compare(b, a) }
