package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lu-zhengda/mailsync/internal/config"
	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/processor"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

var testNow = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

func rawMessage(uid uint32, at time.Time) provider.RawMessage {
	body := fmt.Sprintf("From: Sender <sender@example.com>\r\n"+
		"To: me@example.com\r\n"+
		"Subject: message %d\r\n"+
		"Message-Id: <%d@example.com>\r\n"+
		"Date: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"body %d\r\n", uid, uid, at.Format(time.RFC1123Z), uid)
	return provider.RawMessage{UID: uid, InternalDate: at, Body: []byte(body)}
}

type idleStep struct {
	res provider.IdleResult
	err error
}

type fakeTransport struct {
	mu          sync.Mutex
	mailbox     provider.Mailbox
	msgs        map[uint32]provider.RawMessage
	fetched     [][]uint32
	searches    int
	closed      bool
	loggedOut   bool
	idle        chan idleStep
	fetchErr    error
	selectErr   error
	idleEntered chan struct{}
	idleWaits   []time.Duration
	blockLogout bool
}

func newFakeTransport(n int) *fakeTransport {
	tr := &fakeTransport{
		mailbox:     provider.Mailbox{UIDValidity: 1},
		msgs:        make(map[uint32]provider.RawMessage),
		idle:        make(chan idleStep, 4),
		idleEntered: make(chan struct{}, 16),
	}
	for uid := uint32(1); uid <= uint32(n); uid++ {
		tr.add(uid)
	}
	return tr
}

// add stores a message delivered uid minutes before testNow.
func (t *fakeTransport) add(uid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs[uid] = rawMessage(uid, testNow.Add(-time.Duration(1000-int(uid))*time.Minute))
}

func (t *fakeTransport) uids() []uint32 {
	out := make([]uint32, 0, len(t.msgs))
	for uid := range t.msgs {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

func (t *fakeTransport) SelectInbox(ctx context.Context) (provider.Mailbox, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.selectErr != nil {
		return provider.Mailbox{}, t.selectErr
	}
	mb := t.mailbox
	mb.NumMessages = uint32(len(t.msgs))
	return mb, nil
}

func (t *fakeTransport) FetchRecent(ctx context.Context, n int) ([]provider.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	uids := t.uids()
	if len(uids) > n {
		uids = uids[len(uids)-n:]
	}
	envs := make([]provider.Envelope, 0, len(uids))
	for _, uid := range uids {
		envs = append(envs, provider.Envelope{UID: uid, InternalDate: t.msgs[uid].InternalDate})
	}
	return envs, nil
}

func (t *fakeTransport) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searches++
	var out []uint32
	for _, uid := range t.uids() {
		if !t.msgs[uid].InternalDate.Before(since) {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (t *fakeTransport) SearchAfter(ctx context.Context, after uint32) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searches++
	var out []uint32
	for _, uid := range t.uids() {
		if uid > after {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (t *fakeTransport) FetchMessages(ctx context.Context, uids []uint32) ([]provider.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fetchErr != nil {
		return nil, t.fetchErr
	}
	t.fetched = append(t.fetched, slices.Clone(uids))
	var out []provider.RawMessage
	for _, uid := range uids {
		if raw, ok := t.msgs[uid]; ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (t *fakeTransport) Idle(ctx context.Context, refresh time.Duration) (provider.IdleResult, error) {
	t.mu.Lock()
	t.idleWaits = append(t.idleWaits, refresh)
	t.mu.Unlock()
	select {
	case t.idleEntered <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return provider.IdleStopped, nil
	case step := <-t.idle:
		return step.res, step.err
	}
}

func (t *fakeTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *fakeTransport) Logout(ctx context.Context) error {
	t.mu.Lock()
	block := t.blockLogout
	t.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loggedOut = true
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) fetchCalls() [][]uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.fetched)
}

func (t *fakeTransport) lastIdleWait() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.idleWaits) == 0 {
		return 0
	}
	return t.idleWaits[len(t.idleWaits)-1]
}

func (t *fakeTransport) searchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.searches
}

// fakeDialer hands out transports in order. A nil transport with a non-nil
// error makes that dial fail.
type fakeDialer struct {
	mu    sync.Mutex
	steps []dialStep
	dials int
	gate  chan struct{}
	in    chan struct{}
}

type dialStep struct {
	tr  *fakeTransport
	err error
}

func (d *fakeDialer) push(tr *fakeTransport, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, dialStep{tr: tr, err: err})
}

func (d *fakeDialer) Dial(ctx context.Context, opts provider.DialOptions) (provider.Transport, error) {
	d.mu.Lock()
	d.dials++
	gate, in := d.gate, d.in
	var step dialStep
	if len(d.steps) > 0 {
		step, d.steps = d.steps[0], d.steps[1:]
	} else {
		step.err = &domain.TransportError{Op: "dial", Err: errors.New("no transport queued")}
	}
	d.mu.Unlock()

	if in != nil {
		in <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.tr, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeGuard struct {
	mu         sync.Mutex
	ensures    int
	refreshes  int
	refreshErr error
	ensureErr  error
	expiry     time.Time
}

func (g *fakeGuard) EnsureValid(ctx context.Context, acct *domain.Account) (domain.Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensures++
	if g.ensureErr != nil {
		return domain.Credential{}, g.ensureErr
	}
	expiry := g.expiry
	if expiry.IsZero() {
		expiry = testNow.Add(time.Hour)
	}
	return domain.Credential{AccessToken: "token", Expiry: expiry}, nil
}

func (g *fakeGuard) set(fn func(g *fakeGuard)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGuard) ensureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensures
}

func (g *fakeGuard) Refresh(ctx context.Context, acct *domain.Account) (domain.Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshes++
	if g.refreshErr != nil {
		return domain.Credential{}, g.refreshErr
	}
	return domain.Credential{AccessToken: "fresh", Expiry: testNow.Add(time.Hour)}, nil
}

func (g *fakeGuard) refreshCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refreshes
}

type fakeRegistry struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	synced   int
}

func newFakeRegistry(accts ...domain.Account) *fakeRegistry {
	r := &fakeRegistry{accounts: make(map[string]*domain.Account)}
	for _, a := range accts {
		a := a
		r.accounts[a.ID] = &a
	}
	return r
}

func (r *fakeRegistry) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRegistry) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Account
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (r *fakeRegistry) SaveCredential(ctx context.Context, id string, cred domain.Credential) error {
	return nil
}

func (r *fakeRegistry) IsActive(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return false, domain.ErrAccountNotFound
	}
	return a.Active, nil
}

func (r *fakeRegistry) MarkSynced(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced++
	return nil
}

type fakeMessages struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{ids: make(map[string]bool)}
}

func (s *fakeMessages) ExistsByID(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id], nil
}

func (s *fakeMessages) IndexBatch(ctx context.Context, msgs []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.ids[m.ID] = true
	}
	return nil
}

// recordingClassifier remembers every UID it was asked about.
type recordingClassifier struct {
	mu   sync.Mutex
	uids []uint32
}

func (c *recordingClassifier) Classify(ctx context.Context, msg *domain.Message) (domain.Category, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uids = append(c.uids, msg.UID)
	return domain.CategoryPrimary, 0.5, nil
}

func (c *recordingClassifier) seen() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := slices.Clone(c.uids)
	slices.Sort(out)
	return out
}

type timerCall struct {
	delay time.Duration
	fn    func()
}

// fakeClock records scheduled callbacks instead of running them.
type fakeClock struct {
	calls chan timerCall
}

func (c *fakeClock) after(d time.Duration, fn func()) *time.Timer {
	c.calls <- timerCall{delay: d, fn: fn}
	t := time.AfterFunc(time.Hour, func() {})
	t.Stop()
	return t
}

func (c *fakeClock) next(t *testing.T) timerCall {
	t.Helper()
	select {
	case call := <-c.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("no timer scheduled")
		return timerCall{}
	}
}

func (c *fakeClock) none(t *testing.T) {
	t.Helper()
	select {
	case call := <-c.calls:
		t.Fatalf("unexpected timer scheduled with delay %v", call.delay)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	m          *Manager
	cfg        *config.Config
	dialer     *fakeDialer
	guard      *fakeGuard
	registry   *fakeRegistry
	messages   *fakeMessages
	classifier *recordingClassifier
	clock      *fakeClock
	events     chan domain.Event

	nowMu sync.Mutex
	nowAt time.Time
}

const testAccount = "acct-1"

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Sync.FetchRate = 1000
	cfg.Reconnect.Jitter.Duration = 0
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	f := &fixture{
		cfg:        cfg,
		dialer:     &fakeDialer{},
		guard:      &fakeGuard{},
		registry:   newFakeRegistry(domain.Account{ID: testAccount, Email: "me@example.com", Provider: domain.ProviderGmail, Active: true}),
		messages:   newFakeMessages(),
		classifier: &recordingClassifier{},
		clock:      &fakeClock{calls: make(chan timerCall, 64)},
		events:     make(chan domain.Event, 64),
		nowAt:      testNow,
	}
	proc := processor.New(f.messages, processor.Options{Classifier: f.classifier, Log: zerolog.Nop()})
	f.m = NewManager(cfg, Dependencies{
		Registry:  f.registry,
		Messages:  f.messages,
		Guard:     f.guard,
		Dialer:    f.dialer,
		Processor: proc,
		Events:    EventHandlerFunc(func(e domain.Event) { f.events <- e }),
		Log:       zerolog.Nop(),
	})
	f.m.now = f.now
	f.m.after = f.clock.after
	t.Cleanup(func() { f.m.Close(context.Background()) })
	return f
}

func (f *fixture) now() time.Time {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	return f.nowAt
}

func (f *fixture) setNow(at time.Time) {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	f.nowAt = at
}

// waitEvent returns the next event of kind, skipping others.
func (f *fixture) waitEvent(t *testing.T, kind domain.EventKind) domain.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-f.events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return domain.Event{}
		}
	}
}

func (f *fixture) status(t *testing.T) domain.ConnectionStatus {
	t.Helper()
	for _, s := range f.m.DetailedStatus() {
		if s.AccountID == testAccount {
			return s
		}
	}
	t.Fatalf("no record for %s", testAccount)
	return domain.ConnectionStatus{}
}

func waitIdle(t *testing.T, tr *fakeTransport) {
	t.Helper()
	select {
	case <-tr.idleEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never entered IDLE")
	}
}

func uidRange(from, to uint32) []uint32 {
	var out []uint32
	for uid := from; uid <= to; uid++ {
		out = append(out, uid)
	}
	return out
}
