package domain

import "time"

type Address struct {
	Name  string
	Email string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Attachment is metadata only; payloads never leave the processor.
type Attachment struct {
	Filename  string
	MIMEType  string
	Size      int64
	ContentID string
	Inline    bool
}

// Category is the classifier verdict attached to a message.
type Category string

const (
	CategoryUnclassified Category = "unclassified"
	CategoryPriority     Category = "priority"
	CategoryPrimary      Category = "primary"
	CategoryBulk         Category = "bulk"
)

// HighPriority reports whether messages in this category trigger notifiers.
func (c Category) HighPriority() bool {
	return c == CategoryPriority
}

// Message is the normalized record produced from one server message. It is not
// modified after the processor hands it downstream.
type Message struct {
	ID          string
	AccountID   string
	UID         uint32
	MessageID   string
	From        Address
	To          []Address
	CC          []Address
	BCC         []Address
	Subject     string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []Attachment
	Headers     map[string]string
	IsRead      bool
	IsImportant bool
	Category    Category
	Confidence  float64
	ProcessedAt time.Time
}

// InlineImages returns the attachments that are referenced from the HTML body.
func (m *Message) InlineImages() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		if a.Inline {
			out = append(out, a)
		}
	}
	return out
}
