package cli

import (
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// ---------------------------------------------------------------------------
// Account JSON type
// ---------------------------------------------------------------------------

type jsonAccount struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Provider   string `json:"provider"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at"`
	LastSyncAt string `json:"last_sync_at,omitempty"`
}

func toJSONAccounts(accounts []domain.Account) []jsonAccount {
	out := make([]jsonAccount, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, jsonAccount{
			ID:         a.ID,
			Email:      a.Email,
			Provider:   string(a.Provider),
			Active:     a.Active,
			CreatedAt:  a.CreatedAt.Format(time.DateOnly),
			LastSyncAt: formatRFC3339(a.LastSyncAt),
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Message JSON types (messages, search, show)
// ---------------------------------------------------------------------------

type jsonMessage struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	UID        uint32      `json:"uid"`
	From       jsonAddress `json:"from"`
	Subject    string      `json:"subject"`
	Date       string      `json:"date"`
	Category   string      `json:"category"`
	Confidence float64     `json:"confidence"`
	IsRead     bool        `json:"is_read"`
}

func toJSONMessages(msgs []domain.Message) []jsonMessage {
	out := make([]jsonMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, toJSONMessage(&msgs[i]))
	}
	return out
}

func toJSONMessage(m *domain.Message) jsonMessage {
	return jsonMessage{
		ID:         m.ID,
		AccountID:  m.AccountID,
		UID:        m.UID,
		From:       toJSONAddress(m.From),
		Subject:    m.Subject,
		Date:       m.Date.Format(time.RFC3339),
		Category:   string(m.Category),
		Confidence: m.Confidence,
		IsRead:     m.IsRead,
	}
}

type jsonMessageDetail struct {
	jsonMessage
	MessageID   string           `json:"message_id,omitempty"`
	To          []jsonAddress    `json:"to,omitempty"`
	CC          []jsonAddress    `json:"cc,omitempty"`
	Text        string           `json:"text"`
	HTML        string           `json:"html,omitempty"`
	Attachments []jsonAttachment `json:"attachments,omitempty"`
}

type jsonAttachment struct {
	Filename  string `json:"filename"`
	MIMEType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	ContentID string `json:"content_id,omitempty"`
	Inline    bool   `json:"inline,omitempty"`
}

func toJSONMessageDetail(m *domain.Message) jsonMessageDetail {
	var atts []jsonAttachment
	for _, a := range m.Attachments {
		atts = append(atts, jsonAttachment{
			Filename:  a.Filename,
			MIMEType:  a.MIMEType,
			Size:      a.Size,
			ContentID: a.ContentID,
			Inline:    a.Inline,
		})
	}
	return jsonMessageDetail{
		jsonMessage: toJSONMessage(m),
		MessageID:   m.MessageID,
		To:          toJSONAddresses(m.To),
		CC:          toJSONAddresses(m.CC),
		Text:        m.Text,
		HTML:        m.HTML,
		Attachments: atts,
	}
}

// ---------------------------------------------------------------------------
// Engine JSON types (run)
// ---------------------------------------------------------------------------

type jsonEvent struct {
	Event     string `json:"event"`
	AccountID string `json:"account_id"`
	Count     int    `json:"count,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
	At        string `json:"at"`
}

func toJSONEvent(e domain.Event) jsonEvent {
	out := jsonEvent{
		Event:     e.Kind.String(),
		AccountID: e.AccountID,
		Count:     e.Count,
		Attempt:   e.Attempt,
		At:        e.At.Format(time.RFC3339),
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

type jsonStatus struct {
	AccountID       string `json:"account_id"`
	Email           string `json:"email"`
	Provider        string `json:"provider"`
	Phase           string `json:"phase"`
	Watermark       uint32 `json:"watermark"`
	Processed       int    `json:"processed"`
	PendingBackfill int    `json:"pending_backfill"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"last_error,omitempty"`
	ConnectedAt     string `json:"connected_at,omitempty"`
	LastSyncAt      string `json:"last_sync_at,omitempty"`
}

func toJSONStatuses(statuses []domain.ConnectionStatus) []jsonStatus {
	out := make([]jsonStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, jsonStatus{
			AccountID:       s.AccountID,
			Email:           s.Email,
			Provider:        string(s.Provider),
			Phase:           s.Phase.String(),
			Watermark:       s.Watermark,
			Processed:       s.Processed,
			PendingBackfill: s.PendingBackfill,
			Attempts:        s.Attempts,
			LastError:       s.LastError,
			ConnectedAt:     formatRFC3339(s.ConnectedAt),
			LastSyncAt:      formatRFC3339(s.LastSyncAt),
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Address JSON type (shared)
// ---------------------------------------------------------------------------

type jsonAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func toJSONAddress(a domain.Address) jsonAddress {
	return jsonAddress{Name: a.Name, Email: a.Email}
}

func toJSONAddresses(addrs []domain.Address) []jsonAddress {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]jsonAddress, len(addrs))
	for i, a := range addrs {
		out[i] = toJSONAddress(a)
	}
	return out
}

// ---------------------------------------------------------------------------
// Action JSON type (account add, remove, enable, disable)
// ---------------------------------------------------------------------------

type jsonAction struct {
	OK        bool   `json:"ok"`
	Action    string `json:"action"`
	Email     string `json:"email,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

func formatRFC3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
