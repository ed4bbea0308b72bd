package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/store"
)

var _ store.MessageStore = (*DB)(nil)

// ExistsByID reports whether a message with the given stable id is indexed.
func (s *DB) ExistsByID(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up message %s: %w", id, err)
	}
	return true, nil
}

// IndexBatch upserts msgs and their attachment metadata in one transaction.
func (s *DB) IndexBatch(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range msgs {
		if err := upsertMessage(ctx, tx, &msgs[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message batch: %w", err)
	}
	return nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, m *domain.Message) error {
	toJSON, err := json.Marshal(m.To)
	if err != nil {
		return fmt.Errorf("failed to marshal To addresses: %w", err)
	}
	ccJSON, err := json.Marshal(m.CC)
	if err != nil {
		return fmt.Errorf("failed to marshal CC addresses: %w", err)
	}
	bccJSON, err := json.Marshal(m.BCC)
	if err != nil {
		return fmt.Errorf("failed to marshal BCC addresses: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, account_id, uid, message_id, from_addr, from_name, to_addrs,
			cc_addrs, bcc_addrs, subject, body_text, body_html, date, is_read, is_important,
			category, confidence, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			from_addr    = excluded.from_addr,
			from_name    = excluded.from_name,
			to_addrs     = excluded.to_addrs,
			cc_addrs     = excluded.cc_addrs,
			bcc_addrs    = excluded.bcc_addrs,
			subject      = excluded.subject,
			body_text    = excluded.body_text,
			body_html    = excluded.body_html,
			date         = excluded.date,
			is_read      = excluded.is_read,
			is_important = excluded.is_important,
			category     = excluded.category,
			confidence   = excluded.confidence,
			processed_at = excluded.processed_at`,
		m.ID, m.AccountID, m.UID, m.MessageID,
		m.From.Email, m.From.Name,
		string(toJSON), string(ccJSON), string(bccJSON),
		m.Subject, m.Text, m.HTML,
		m.Date.UTC().Format(time.RFC3339),
		m.IsRead, m.IsImportant, string(m.Category), m.Confidence,
		m.ProcessedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
	}

	// Delete existing attachments, then reinsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = ?`, m.ID); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	for _, a := range m.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, filename, mime_type, size, content_id, inline)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, a.Filename, a.MIMEType, a.Size, a.ContentID, a.Inline); err != nil {
			return fmt.Errorf("failed to insert attachment: %w", err)
		}
	}
	return nil
}

const messageColumns = `m.id, m.account_id, m.uid, m.message_id, m.from_addr, m.from_name,
	m.to_addrs, m.cc_addrs, m.bcc_addrs, m.subject, m.body_text, m.body_html, m.date,
	m.is_read, m.is_important, m.category, m.confidence, m.processed_at`

// GetMessage retrieves a single message by ID, including attachment metadata.
func (s *DB) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, mime_type, size, content_id, inline
		FROM attachments WHERE message_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.Attachment
		var contentID sql.NullString
		if err := rows.Scan(&a.Filename, &a.MIMEType, &a.Size, &contentID, &a.Inline); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.ContentID = contentID.String
		m.Attachments = append(m.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attachments: %w", err)
	}
	return m, nil
}

// ListMessages returns messages newest first, optionally filtered by category.
func (s *DB) ListMessages(ctx context.Context, opts store.ListMessageOptions) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.account_id = ?`
	args := []any{opts.AccountID}
	if opts.Category != "" {
		query += ` AND m.category = ?`
		args = append(args, string(opts.Category))
	}
	query += ` ORDER BY m.date DESC, m.uid DESC`

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

func scanMessage(row scanner) (*domain.Message, error) {
	var (
		m                     domain.Message
		messageID, fromName   sql.NullString
		toJSON, ccJSON, bccJS sql.NullString
		subject, text, html   sql.NullString
		dateStr               string
		processedAt           sql.NullString
		category              string
		confidence            sql.NullFloat64
	)
	if err := row.Scan(
		&m.ID, &m.AccountID, &m.UID, &messageID, &m.From.Email, &fromName,
		&toJSON, &ccJSON, &bccJS, &subject, &text, &html, &dateStr,
		&m.IsRead, &m.IsImportant, &category, &confidence, &processedAt,
	); err != nil {
		return nil, err
	}
	m.MessageID = messageID.String
	m.From.Name = fromName.String
	m.Subject = subject.String
	m.Text = text.String
	m.HTML = html.String
	m.Category = domain.Category(category)
	m.Confidence = confidence.Float64

	for _, f := range []struct {
		raw  sql.NullString
		dest *[]domain.Address
	}{
		{toJSON, &m.To},
		{ccJSON, &m.CC},
		{bccJS, &m.BCC},
	} {
		if f.raw.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw.String), f.dest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal addresses: %w", err)
		}
	}

	date, err := parseTime(dateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message date: %w", err)
	}
	m.Date = date
	if processedAt.String != "" {
		if m.ProcessedAt, err = parseTime(processedAt.String); err != nil {
			return nil, fmt.Errorf("failed to parse processed_at: %w", err)
		}
	}
	return &m, nil
}

// parseTime accepts RFC 3339 and the layout go-sqlite3 uses for DATETIME
// columns it converts itself.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05.999999999-07:00", s)
}
