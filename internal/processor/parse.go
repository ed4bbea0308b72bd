package processor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

var messageNamespace = uuid.MustParse("6f1c1a52-3b5e-4e8b-9d1e-2f3c7a9b4d10")

// StableID derives the downstream id of a server message. It is the same for
// every process that sees the same account and UID.
func StableID(accountID string, uid uint32) string {
	return uuid.NewSHA1(messageNamespace, []byte(fmt.Sprintf("%s:%d", accountID, uid))).String()
}

// keptHeaders are copied into Message.Headers for classifiers.
var keptHeaders = []string{
	"In-Reply-To",
	"References",
	"List-Id",
	"List-Unsubscribe",
	"Precedence",
	"Auto-Submitted",
	"X-Priority",
	"Importance",
	"Priority",
}

// Parse converts a fetched message into a domain.Message. Attachment payloads
// are read to measure their size and then dropped.
func Parse(accountID string, raw provider.RawMessage) (*domain.Message, error) {
	if len(raw.Body) == 0 {
		return nil, &domain.ParseError{UID: raw.UID, Err: errors.New("empty message body")}
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &domain.ParseError{UID: raw.UID, Err: err}
	}
	defer mr.Close()

	h := mr.Header
	msg := &domain.Message{
		ID:          StableID(accountID, raw.UID),
		AccountID:   accountID,
		UID:         raw.UID,
		From:        firstAddress(h, "From"),
		To:          addressList(h, "To"),
		CC:          addressList(h, "Cc"),
		BCC:         addressList(h, "Bcc"),
		Date:        messageDate(h, raw.InternalDate),
		Headers:     make(map[string]string),
		IsRead:      hasFlag(raw.Flags, `\Seen`),
		IsImportant: hasFlag(raw.Flags, `\Flagged`) || hasFlag(raw.Flags, `$Important`),
		Category:    domain.CategoryUnclassified,
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	}
	for _, k := range keptHeaders {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			msg.Headers[k] = v
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !message.IsUnknownCharset(err)) {
			if msg.Text == "" && msg.HTML == "" && len(msg.Attachments) == 0 {
				return nil, &domain.ParseError{UID: raw.UID, Err: err}
			}
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			switch {
			case contentType == "text/plain" && msg.Text == "":
				body, err := io.ReadAll(part.Body)
				if err != nil {
					continue
				}
				msg.Text = string(body)
			case contentType == "text/html" && msg.HTML == "":
				body, err := io.ReadAll(part.Body)
				if err != nil {
					continue
				}
				msg.HTML = string(body)
			case ph.Get("Content-Id") != "":
				// Inline image referenced from the HTML body.
				msg.Attachments = append(msg.Attachments, domain.Attachment{
					Filename:  partFilename(ph.Header),
					MIMEType:  contentType,
					Size:      discard(part.Body),
					ContentID: contentID(ph.Get("Content-Id")),
					Inline:    true,
				})
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			disposition, _, _ := ph.ContentDisposition()
			msg.Attachments = append(msg.Attachments, domain.Attachment{
				Filename:  filename,
				MIMEType:  contentType,
				Size:      discard(part.Body),
				ContentID: contentID(ph.Get("Content-Id")),
				Inline:    disposition == "inline",
			})
		}
	}
	return msg, nil
}

func discard(r io.Reader) int64 {
	n, _ := io.Copy(io.Discard, r)
	return n
}

func contentID(s string) string {
	return strings.Trim(strings.TrimSpace(s), "<>")
}

func partFilename(h message.Header) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func firstAddress(h mail.Header, key string) domain.Address {
	addrs := addressList(h, key)
	if len(addrs) == 0 {
		return domain.Address{}
	}
	return addrs[0]
}

// addressList decodes an address header, falling back to a lenient parse of
// the raw value when the header is malformed.
func addressList(h mail.Header, key string) []domain.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return parseAddressList(decodeHeader(h.Get(key)))
	}
	addrs := make([]domain.Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, domain.Address{Name: a.Name, Email: a.Address})
	}
	if len(addrs) == 0 {
		return nil
	}
	return addrs
}

func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	if out, err := dec.DecodeHeader(s); err == nil {
		return out
	}
	return s
}

// parseAddress parses an RFC 5322 address string into a domain Address.
// Falls back to treating the entire string as a bare email if parsing fails.
func parseAddress(s string) domain.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.Address{}
	}
	addr, err := netmail.ParseAddress(s)
	if err != nil {
		return domain.Address{Email: strings.Trim(s, "<>")}
	}
	return domain.Address{Name: addr.Name, Email: addr.Address}
}

// parseAddressList splits a comma-separated list and parses each entry.
func parseAddressList(s string) []domain.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var addrs []domain.Address
	for _, p := range strings.Split(s, ",") {
		if a := parseAddress(p); a.Email != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func messageDate(h mail.Header, internal time.Time) time.Time {
	if d, err := h.Date(); err == nil && !d.IsZero() {
		return d
	}
	if d := parseDate(h.Get("Date")); !d.IsZero() {
		return d
	}
	return internal
}

// parseDate tries the date layouts seen in the wild that net/mail rejects.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
		"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
