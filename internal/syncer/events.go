package syncer

import "time"

const (
	EventProgress   = "progress"
	EventNewMessage = "new_message"
)

// DateLayout is the day-first format dates are shown in.
const DateLayout = "02.01.2006 15:04"

const previewLength = 50

type ProgressEvent struct {
	AccountID int64  `json:"account_id"`
	Percent   int    `json:"percent"`
	Status    string `json:"status"`
}

func (e ProgressEvent) Topic() int64 { return e.AccountID }

type NewMessageEvent struct {
	AccountID   int64  `json:"account_id"`
	ID          int64  `json:"id"`
	Subject     string `json:"subject"`
	SendDate    string `json:"send_date"`
	ReceiveDate string `json:"receive_date"`
	Body        string `json:"body"`
}

func (e NewMessageEvent) Topic() int64 { return e.AccountID }

// Publisher delivers events to connected clients. Delivery is best effort.
type Publisher interface {
	Publish(event string, payload any) error
}

// FormatDate renders t in loc using DateLayout.
func FormatDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}
