package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MaxUID returns the account's watermark: the highest UID that was stored
// or recorded with AdvanceWatermark. ok is false when there is none yet.
func (s *Store) MaxUID(ctx context.Context, accountID int64) (uint32, bool, error) {
	var uid sql.NullInt64
	query := s.db.Rebind(`SELECT MAX(w.uid) FROM (
            SELECT MAX(uid) AS uid FROM messages WHERE account_id = ?
            UNION ALL
            SELECT last_uid AS uid FROM sync_state WHERE account_id = ?
        ) w;`)
	if err := s.db.GetContext(ctx, &uid, query, accountID, accountID); err != nil {
		return 0, false, fmt.Errorf("max uid: %w", err)
	}
	if !uid.Valid {
		return 0, false, nil
	}
	return uint32(uid.Int64), true, nil
}

// AdvanceWatermark records that every UID up to uid has been handled for
// the account, whether or not a row was stored for it. A lower uid than the
// recorded one is ignored.
func (s *Store) AdvanceWatermark(ctx context.Context, accountID int64, uid uint32, now time.Time) error {
	query := s.db.Rebind(`INSERT INTO sync_state (account_id, last_uid, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT (account_id) DO UPDATE
        SET last_uid = excluded.last_uid, updated_at = excluded.updated_at
        WHERE sync_state.last_uid < excluded.last_uid;`)
	if _, err := s.db.ExecContext(ctx, query, accountID, int64(uid), now.Unix()); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// InsertMessage stores a message and its attachments in one transaction.
// A message whose message id, or account and UID, is already stored is
// left untouched and ErrDuplicateMessage is returned.
func (s *Store) InsertMessage(ctx context.Context, message Message, attachments []Attachment) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var uid any
	if message.UID != 0 {
		uid = int64(message.UID)
	}

	var id int64
	err = tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO messages
        (account_id, subject, send_date, receive_date, body, message_id, uid, is_new, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT DO NOTHING
        RETURNING id;`),
		message.AccountID,
		message.Subject,
		message.SendDate.Unix(),
		message.ReceiveDate.Unix(),
		message.Body,
		message.MessageID,
		uid,
		message.IsNew,
		message.CreatedAt.Unix(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicateMessage
	}
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	for _, attachment := range attachments {
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO attachments
            (message_id, filename, content_type, data, size)
            VALUES (?, ?, ?, ?, ?);`),
			id,
			attachment.Filename,
			attachment.ContentType,
			attachment.Data,
			int64(len(attachment.Data)),
		)
		if err != nil {
			return 0, fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message: %w", err)
	}
	return id, nil
}

// ListMessages returns one page of an account's messages ordered by send
// date, and the number of messages matching the filter.
func (s *Store) ListMessages(ctx context.Context, accountID int64, onlyNew bool, sort string, offset, limit int) ([]MessageSummary, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	whereQuery := " WHERE m.account_id = ?"
	args := []any{accountID}
	if onlyNew {
		whereQuery += " AND m.is_new = ?"
		args = append(args, true)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(1) FROM messages m"+whereQuery), args...); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	orderBy := " ORDER BY m.send_date DESC, m.id DESC"
	switch sort {
	case "oldest", "asc":
		orderBy = " ORDER BY m.send_date ASC, m.id ASC"
	}

	listQuery := `SELECT m.id, m.subject, m.send_date, m.receive_date, m.body, m.is_new,
        EXISTS(SELECT 1 FROM attachments a WHERE a.message_id = m.id) AS has_attachments
        FROM messages m` + whereQuery + orderBy + " LIMIT ? OFFSET ?"
	listArgs := append(append([]any{}, args...), limit, offset)

	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(listQuery), listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]MessageSummary, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, MessageSummary{
			ID:             row.ID,
			Subject:        row.Subject,
			SendDate:       time.Unix(row.SendDate, 0),
			ReceiveDate:    time.Unix(row.ReceiveDate, 0),
			Body:           row.Body,
			IsNew:          row.IsNew,
			HasAttachments: row.HasAttachments,
		})
	}
	return messages, total, nil
}

// GetMessage returns a message owned by the account, with attachment
// metadata (no data).
func (s *Store) GetMessage(ctx context.Context, accountID, id int64) (Message, []Attachment, error) {
	var row messageRow
	query := s.db.Rebind(`SELECT id, account_id, subject, send_date, receive_date, body, message_id, uid, is_new, created_at
        FROM messages
        WHERE id = ? AND account_id = ?;`)
	if err := s.db.GetContext(ctx, &row, query, id, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, nil, ErrNotFound
		}
		return Message{}, nil, fmt.Errorf("get message: %w", err)
	}

	var attachmentRows []attachmentRow
	query = s.db.Rebind(`SELECT id, message_id, filename, content_type, size FROM attachments WHERE message_id = ? ORDER BY id;`)
	if err := s.db.SelectContext(ctx, &attachmentRows, query, id); err != nil {
		return Message{}, nil, fmt.Errorf("get attachments: %w", err)
	}
	attachments := make([]Attachment, 0, len(attachmentRows))
	for _, attachment := range attachmentRows {
		attachments = append(attachments, attachment.attachment())
	}
	return row.message(), attachments, nil
}

func (s *Store) GetAttachment(ctx context.Context, accountID, attachmentID int64) (Attachment, error) {
	var row attachmentRow
	query := s.db.Rebind(`SELECT a.id, a.message_id, a.filename, a.content_type, a.data, a.size
        FROM attachments a
        JOIN messages m ON m.id = a.message_id
        WHERE a.id = ? AND m.account_id = ?;`)
	if err := s.db.GetContext(ctx, &row, query, attachmentID, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attachment{}, ErrNotFound
		}
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return row.attachment(), nil
}

// ClearNewFlag marks every message of the account as seen and returns how
// many were flagged.
func (s *Store) ClearNewFlag(ctx context.Context, accountID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE messages SET is_new = ? WHERE account_id = ? AND is_new = ?;`), false, accountID, true)
	if err != nil {
		return 0, fmt.Errorf("clear new flag: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear new flag: %w", err)
	}
	return rows, nil
}
