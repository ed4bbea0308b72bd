package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// printJSON encodes v as indented JSON to stdout.
func printJSON(v any) error {
	return fprintJSON(os.Stdout, v)
}

// fprintJSON encodes v as indented JSON to w.
func fprintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func writeAccounts(out io.Writer, accounts []domain.Account) error {
	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tEMAIL\tPROVIDER\tACTIVE\tLAST SYNC")
	for _, a := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", a.ID, a.Email, a.Provider, a.Active, formatTime(a.LastSyncAt))
	}
	return w.Flush()
}

func writeMessages(out io.Writer, msgs []domain.Message) error {
	w := newTabWriter(out)
	fmt.Fprintln(w, "CATEGORY\tFROM\tSUBJECT\tDATE\tID")
	for _, m := range msgs {
		from := m.From.Name
		if from == "" {
			from = m.From.Email
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.Category,
			truncate(from, 30),
			truncate(m.Subject, 50),
			m.Date.Format("Jan 2, 2006"),
			m.ID,
		)
	}
	return w.Flush()
}

func writeStatuses(out io.Writer, statuses []domain.ConnectionStatus) error {
	w := newTabWriter(out)
	fmt.Fprintln(w, "ACCOUNT\tPHASE\tWATERMARK\tPROCESSED\tPENDING\tATTEMPTS\tLAST ERROR")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			s.Email, s.Phase, s.Watermark, s.Processed, s.PendingBackfill, s.Attempts, truncate(s.LastError, 60))
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

// eventPrinter writes engine events to a terminal, one line each, or as
// JSON lines.
type eventPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

func newEventPrinter(out io.Writer, asJSON bool) *eventPrinter {
	return &eventPrinter{out: out, json: asJSON}
}

func (p *eventPrinter) HandleEvent(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		enc := json.NewEncoder(p.out)
		_ = enc.Encode(toJSONEvent(e))
		return
	}
	line := fmt.Sprintf("%s  %-28s %s", e.At.Format(time.TimeOnly), e.Kind, e.AccountID)
	switch e.Kind {
	case domain.EventNewEmails:
		line += fmt.Sprintf("  %d new", e.Count)
	case domain.EventMaxReconnectAttemptsReached:
		line += fmt.Sprintf("  after %d attempts", e.Attempt)
	}
	if e.Err != nil {
		line += "  " + e.Err.Error()
	}
	fmt.Fprintln(p.out, line)
}
