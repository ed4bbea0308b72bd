package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/store"
)

func seedAccount(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	if err := db.CreateAccount(ctx, &domain.Account{
		ID:       "acc-1",
		Email:    "test@gmail.com",
		Provider: domain.ProviderGmail,
		Active:   true,
	}); err != nil {
		t.Fatalf("seedAccount: %v", err)
	}
}

func testMessage(id string, uid uint32, date time.Time) domain.Message {
	return domain.Message{
		ID:        id,
		AccountID: "acc-1",
		UID:       uid,
		MessageID: fmt.Sprintf("<%s@example.com>", id),
		From:      domain.Address{Name: "Alice", Email: "alice@example.com"},
		To:        []domain.Address{{Name: "Bob", Email: "bob@example.com"}},
		Subject:   "Subject " + id,
		Text:      "Body of " + id,
		Date:      date,
		Category:  domain.CategoryPrimary,
	}
}

func TestIndexBatchAndGetMessage(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db)
	ctx := context.Background()

	date := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	msg := testMessage("msg-1", 42, date)
	msg.CC = []domain.Address{{Name: "Carol", Email: "carol@example.com"}}
	msg.HTML = "<p>Body</p>"
	msg.IsRead = true
	msg.IsImportant = true
	msg.Category = domain.CategoryPriority
	msg.Confidence = 0.9
	msg.ProcessedAt = date.Add(time.Minute)
	msg.Attachments = []domain.Attachment{
		{Filename: "report.pdf", MIMEType: "application/pdf", Size: 1024},
		{Filename: "logo.png", MIMEType: "image/png", Size: 10, ContentID: "logo", Inline: true},
	}

	if err := db.IndexBatch(ctx, []domain.Message{msg}); err != nil {
		t.Fatalf("IndexBatch() error: %v", err)
	}

	got, err := db.GetMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got.UID != 42 {
		t.Errorf("UID = %d, want 42", got.UID)
	}
	if got.From.Name != "Alice" || got.From.Email != "alice@example.com" {
		t.Errorf("From = %+v", got.From)
	}
	if len(got.To) != 1 || got.To[0].Email != "bob@example.com" {
		t.Errorf("To = %v, want [{Bob bob@example.com}]", got.To)
	}
	if len(got.CC) != 1 || got.CC[0].Email != "carol@example.com" {
		t.Errorf("CC = %v, want [{Carol carol@example.com}]", got.CC)
	}
	if !got.Date.Equal(date) {
		t.Errorf("Date = %v, want %v", got.Date, date)
	}
	if got.Category != domain.CategoryPriority || got.Confidence != 0.9 {
		t.Errorf("Category = %q (%v), want priority (0.9)", got.Category, got.Confidence)
	}
	if !got.IsRead || !got.IsImportant {
		t.Errorf("IsRead=%v IsImportant=%v, want both true", got.IsRead, got.IsImportant)
	}
	if len(got.Attachments) != 2 {
		t.Fatalf("got %d attachments, want 2", len(got.Attachments))
	}
	if len(got.InlineImages()) != 1 {
		t.Errorf("InlineImages() = %v, want one", got.InlineImages())
	}
}

func TestIndexBatch_Upsert(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db)
	ctx := context.Background()

	msg := testMessage("msg-1", 1, time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC))
	msg.Attachments = []domain.Attachment{{Filename: "a.txt"}, {Filename: "b.txt"}}
	if err := db.IndexBatch(ctx, []domain.Message{msg}); err != nil {
		t.Fatalf("IndexBatch() error: %v", err)
	}

	msg.Subject = "Updated"
	msg.Attachments = []domain.Attachment{{Filename: "c.txt"}}
	if err := db.IndexBatch(ctx, []domain.Message{msg}); err != nil {
		t.Fatalf("IndexBatch() second call error: %v", err)
	}

	got, err := db.GetMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got.Subject != "Updated" {
		t.Errorf("Subject = %q, want %q", got.Subject, "Updated")
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "c.txt" {
		t.Errorf("Attachments = %v, want only c.txt", got.Attachments)
	}
}

func TestIndexBatch_RollsBackOnFailure(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db)
	ctx := context.Background()

	good := testMessage("msg-1", 1, time.Now())
	orphan := testMessage("msg-2", 2, time.Now())
	orphan.AccountID = "no-such-account"

	if err := db.IndexBatch(ctx, []domain.Message{good, orphan}); err == nil {
		t.Fatal("IndexBatch() should fail on a foreign key violation")
	}
	exists, err := db.ExistsByID(ctx, "msg-1")
	if err != nil {
		t.Fatalf("ExistsByID() error: %v", err)
	}
	if exists {
		t.Error("msg-1 should not be indexed after a failed batch")
	}
}

func TestExistsByID(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db)
	ctx := context.Background()

	if err := db.IndexBatch(ctx, []domain.Message{testMessage("msg-1", 1, time.Now())}); err != nil {
		t.Fatalf("IndexBatch() error: %v", err)
	}

	tests := []struct {
		id   string
		want bool
	}{
		{"msg-1", true},
		{"msg-2", false},
	}
	for _, tt := range tests {
		got, err := db.ExistsByID(ctx, tt.id)
		if err != nil {
			t.Fatalf("ExistsByID(%s) error: %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("ExistsByID(%s) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestListMessages(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var batch []domain.Message
	for i := 0; i < 5; i++ {
		m := testMessage(fmt.Sprintf("msg-%d", i), uint32(i+1), base.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			m.Category = domain.CategoryBulk
		}
		batch = append(batch, m)
	}
	if err := db.IndexBatch(ctx, batch); err != nil {
		t.Fatalf("IndexBatch() error: %v", err)
	}

	all, err := db.ListMessages(ctx, store.ListMessageOptions{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d messages, want 5", len(all))
	}
	if all[0].ID != "msg-4" {
		t.Errorf("first message = %q, want newest msg-4", all[0].ID)
	}

	page, err := db.ListMessages(ctx, store.ListMessageOptions{AccountID: "acc-1", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListMessages() paged error: %v", err)
	}
	if len(page) != 2 || page[0].ID != "msg-2" {
		t.Errorf("page = %v, want msg-2, msg-1", page)
	}

	bulk, err := db.ListMessages(ctx, store.ListMessageOptions{AccountID: "acc-1", Category: domain.CategoryBulk})
	if err != nil {
		t.Fatalf("ListMessages() by category error: %v", err)
	}
	if len(bulk) != 3 {
		t.Errorf("got %d bulk messages, want 3", len(bulk))
	}
}

func TestSearchMessages(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db)
	ctx := context.Background()

	invoice := testMessage("msg-1", 1, time.Now())
	invoice.Subject = "Quarterly invoice"
	invoice.Text = "Please find the invoice attached."
	lunch := testMessage("msg-2", 2, time.Now())
	lunch.Subject = "Lunch tomorrow"
	lunch.Text = "Tacos?"

	if err := db.IndexBatch(ctx, []domain.Message{invoice, lunch}); err != nil {
		t.Fatalf("IndexBatch() error: %v", err)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"invoice", []string{"msg-1"}},
		{"tacos", []string{"msg-2"}},
		{"alice", []string{"msg-1", "msg-2"}},
		{"nothing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := db.SearchMessages(ctx, tt.query, "acc-1", 0)
			if err != nil {
				t.Fatalf("SearchMessages() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(got), len(tt.want))
			}
		})
	}

	got, err := db.SearchMessages(ctx, "invoice", "other-account", 0)
	if err != nil {
		t.Fatalf("SearchMessages() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("search leaked %d results across accounts", len(got))
	}
}
