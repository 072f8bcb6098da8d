package store

import "time"

type Account struct {
	ID        int64
	Provider  string
	Email     string
	Password  string
	CreatedAt time.Time
}

// Message is one synchronized mail. UID is zero when the server did not
// report one.
type Message struct {
	ID          int64
	AccountID   int64
	Subject     string
	SendDate    time.Time
	ReceiveDate time.Time
	Body        string
	MessageID   string
	UID         uint32
	IsNew       bool
	CreatedAt   time.Time
}

type Attachment struct {
	ID          int64
	MessageID   int64
	Filename    string
	ContentType string
	Data        []byte
	Size        int64
}

type MessageSummary struct {
	ID             int64
	Subject        string
	SendDate       time.Time
	ReceiveDate    time.Time
	Body           string
	IsNew          bool
	HasAttachments bool
}

type accountRow struct {
	ID        int64  `db:"id"`
	Provider  string `db:"provider"`
	Email     string `db:"email"`
	Password  string `db:"password"`
	CreatedAt int64  `db:"created_at"`
}

func (r accountRow) account() Account {
	return Account{
		ID:        r.ID,
		Provider:  r.Provider,
		Email:     r.Email,
		Password:  r.Password,
		CreatedAt: time.Unix(r.CreatedAt, 0),
	}
}

type messageRow struct {
	ID          int64  `db:"id"`
	AccountID   int64  `db:"account_id"`
	Subject     string `db:"subject"`
	SendDate    int64  `db:"send_date"`
	ReceiveDate int64  `db:"receive_date"`
	Body        string `db:"body"`
	MessageID   string `db:"message_id"`
	UID         *int64 `db:"uid"`
	IsNew       bool   `db:"is_new"`
	CreatedAt   int64  `db:"created_at"`
}

func (r messageRow) message() Message {
	m := Message{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Subject:     r.Subject,
		SendDate:    time.Unix(r.SendDate, 0),
		ReceiveDate: time.Unix(r.ReceiveDate, 0),
		Body:        r.Body,
		MessageID:   r.MessageID,
		IsNew:       r.IsNew,
		CreatedAt:   time.Unix(r.CreatedAt, 0),
	}
	if r.UID != nil {
		m.UID = uint32(*r.UID)
	}
	return m
}

type summaryRow struct {
	ID             int64  `db:"id"`
	Subject        string `db:"subject"`
	SendDate       int64  `db:"send_date"`
	ReceiveDate    int64  `db:"receive_date"`
	Body           string `db:"body"`
	IsNew          bool   `db:"is_new"`
	HasAttachments bool   `db:"has_attachments"`
}

type attachmentRow struct {
	ID          int64  `db:"id"`
	MessageID   int64  `db:"message_id"`
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	Data        []byte `db:"data"`
	Size        int64  `db:"size"`
}

func (r attachmentRow) attachment() Attachment {
	return Attachment{
		ID:          r.ID,
		MessageID:   r.MessageID,
		Filename:    r.Filename,
		ContentType: r.ContentType,
		Data:        r.Data,
		Size:        r.Size,
	}
}
