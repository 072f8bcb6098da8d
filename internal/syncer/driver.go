package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.io/infrasutra/inboxsync/internal/decoder"
	"github.io/infrasutra/inboxsync/internal/mailbox"
	"github.io/infrasutra/inboxsync/internal/store"
)

// NoSubject is stored for messages whose subject is missing or unreadable.
const NoSubject = "(no subject)"

// Mailbox is one IMAP session, see mailbox.Session.
type Mailbox interface {
	Connect(ctx context.Context) error
	ListNewUIDs(ctx context.Context, since mailbox.UID) ([]mailbox.UID, error)
	FetchRaw(ctx context.Context, uid mailbox.UID) (*mailbox.RawMessage, error)
	Disconnect() error
}

// SessionFactory opens a fresh, unconnected session for an account.
type SessionFactory func(account store.Account) Mailbox

// MessageStore is the persistence the driver needs.
type MessageStore interface {
	MaxUID(ctx context.Context, accountID int64) (uint32, bool, error)
	InsertMessage(ctx context.Context, message store.Message, attachments []store.Attachment) (int64, error)
	AdvanceWatermark(ctx context.Context, accountID int64, uid uint32, now time.Time) error
}

type Options struct {
	// Location is the zone event dates are rendered in.
	Location *time.Location
	// MessageDelay pauses between two messages of one pass.
	MessageDelay time.Duration
	Now          func() time.Time
}

// Result summarizes one pass. Errors holds the per-message failures that
// were skipped over.
type Result struct {
	Processed int
	Stored    int
	Skipped   int
	Errors    []error
}

// Driver runs synchronization passes. One Driver may serve many accounts
// concurrently; a single pass is sequential.
type Driver struct {
	store     MessageStore
	sessions  SessionFactory
	publisher Publisher
	logger    *slog.Logger
	opts      Options
}

func NewDriver(store MessageStore, sessions SessionFactory, publisher Publisher, logger *slog.Logger, opts Options) *Driver {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{
		store:     store,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
	}
}

// Synchronize downloads every INBOX message above the account's stored UID
// watermark. Connection failures abort the pass and are returned so that
// mailbox.IsTransportAbort can classify them; failures of a single message
// are logged and skipped.
func (d *Driver) Synchronize(ctx context.Context, account store.Account) (Result, error) {
	var result Result
	logger := d.logger.With("run_id", uuid.NewString(), "account_id", account.ID, "email", account.Email)

	session := d.sessions(account)
	if err := session.Connect(ctx); err != nil {
		logger.Error("connect mailbox", "error", err)
		return result, fmt.Errorf("connect mailbox: %w", err)
	}
	defer func() {
		if err := session.Disconnect(); err != nil {
			logger.Warn("disconnect mailbox", "error", err)
		}
	}()

	watermark, ok, err := d.store.MaxUID(ctx, account.ID)
	if err != nil {
		logger.Error("read watermark", "error", err)
		return result, err
	}
	if !ok {
		logger.Info("no stored messages, running full sync")
	}

	uids, err := session.ListNewUIDs(ctx, mailbox.UID(watermark))
	if err != nil {
		logger.Error("list new messages", "error", err)
		return result, fmt.Errorf("list new messages: %w", err)
	}
	if len(uids) == 0 {
		logger.Info("mailbox up to date", "watermark", watermark)
		d.progress(logger, account.ID, 100, "Mailbox is up to date")
		return result, nil
	}

	total := len(uids)
	logger.Info("sync started", "watermark", watermark, "new", total)
	for i, uid := range uids {
		if i > 0 && d.opts.MessageDelay > 0 {
			if err := sleep(ctx, d.opts.MessageDelay); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("sync cancelled", "processed", result.Processed, "total", total)
			return result, err
		}

		err := d.syncMessage(ctx, logger, session, account, uid)
		result.Processed++
		switch {
		case err == nil:
			result.Stored++
			d.advance(ctx, logger, account.ID, uid)
		case errors.Is(err, store.ErrDuplicateMessage):
			result.Skipped++
			logger.Info("message already stored", "uid", uid)
			d.advance(ctx, logger, account.ID, uid)
		case mailbox.IsTransportAbort(err) || ctx.Err() != nil:
			logger.Error("sync message", "uid", uid, "error", err)
			return result, fmt.Errorf("sync uid %d: %w", uid, err)
		default:
			result.Errors = append(result.Errors, fmt.Errorf("sync uid %d: %w", uid, err))
			logger.Warn("skip message", "uid", uid, "error", err)
		}

		d.progress(logger, account.ID, result.Processed*100/total,
			fmt.Sprintf("Received %d of %d messages", result.Processed, total))
	}

	logger.Info("sync finished", "processed", result.Processed, "stored", result.Stored,
		"skipped", result.Skipped, "failed", len(result.Errors))
	d.progress(logger, account.ID, 100, "Sync complete")
	return result, nil
}

func (d *Driver) syncMessage(ctx context.Context, logger *slog.Logger, session Mailbox, account store.Account, uid mailbox.UID) error {
	raw, err := session.FetchRaw(ctx, uid)
	if err != nil {
		return err
	}
	logger = logger.With("uid", uid)
	logger.Debug("message downloaded", "size", humanize.Bytes(uint64(len(raw.Raw))))

	headers, err := decoder.ParseHeaders(raw.Raw)
	if err != nil {
		logger.Warn("parse headers", "error", err)
	}
	for _, problem := range headers.Errors {
		logger.Warn("decode header", "error", problem)
	}

	now := d.opts.Now()
	subject := headers.Subject
	if subject == "" {
		subject = NoSubject
	}
	sendDate := headers.Date
	if sendDate.IsZero() {
		logger.Warn("missing or unparsable date, using current time")
		sendDate = now
	}
	receiveDate := raw.InternalDate
	if receiveDate.IsZero() {
		receiveDate = sendDate
	}
	messageID := headers.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("%d@%s", uid, account.Provider)
	}

	body := decoder.Decode(raw.Raw)
	for _, problem := range body.Errors {
		logger.Warn("decode body", "error", problem)
	}
	attachments := make([]store.Attachment, 0, len(body.Attachments))
	for _, attachment := range body.Attachments {
		attachments = append(attachments, store.Attachment{
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Data:        attachment.Data,
			Size:        int64(len(attachment.Data)),
		})
	}

	id, err := d.store.InsertMessage(ctx, store.Message{
		AccountID:   account.ID,
		Subject:     subject,
		SendDate:    sendDate,
		ReceiveDate: receiveDate,
		Body:        body.Body,
		MessageID:   messageID,
		UID:         uint32(uid),
		IsNew:       true,
		CreatedAt:   now,
	}, attachments)
	if err != nil {
		return err
	}

	d.publish(logger, EventNewMessage, NewMessageEvent{
		AccountID:   account.ID,
		ID:          id,
		Subject:     subject,
		SendDate:    FormatDate(sendDate, d.opts.Location),
		ReceiveDate: FormatDate(receiveDate, d.opts.Location),
		Body:        decoder.Preview(body.Body, previewLength),
	})
	return nil
}

// advance moves the watermark past uid so later passes do not fetch it
// again.
func (d *Driver) advance(ctx context.Context, logger *slog.Logger, accountID int64, uid mailbox.UID) {
	if err := d.store.AdvanceWatermark(ctx, accountID, uint32(uid), d.opts.Now()); err != nil {
		logger.Warn("advance watermark", "uid", uid, "error", err)
	}
}

func (d *Driver) progress(logger *slog.Logger, accountID int64, percent int, status string) {
	d.publish(logger, EventProgress, ProgressEvent{AccountID: accountID, Percent: percent, Status: status})
}

func (d *Driver) publish(logger *slog.Logger, event string, payload any) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(event, payload); err != nil {
		logger.Debug("publish event", "event", event, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
