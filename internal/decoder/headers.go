package decoder

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Headers holds the header fields the sync pass stores. A field that could
// not be decoded is left empty (Date: zero) and its problem is recorded in
// Errors.
type Headers struct {
	Subject   string
	Date      time.Time
	MessageID string
	From      string
	Errors    []error
}

// ParseHeaders reads the header block of a raw message. It only fails when
// the header block itself is unreadable.
func ParseHeaders(raw []byte) (Headers, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return Headers{}, fmt.Errorf("read header: %w", err)
	}
	header := mail.Header{Header: message.Header{Header: h}}

	var headers Headers
	if subject, err := header.Subject(); err != nil {
		headers.Errors = append(headers.Errors, &Error{Part: "Subject", Err: err})
	} else {
		headers.Subject = validUTF8(strings.TrimSpace(subject))
	}

	if date, err := header.Date(); err != nil {
		headers.Errors = append(headers.Errors, &Error{Part: "Date", Err: err})
	} else {
		headers.Date = date
	}

	if id, err := header.MessageID(); err == nil {
		headers.MessageID = validUTF8(id)
	} else {
		headers.MessageID = validUTF8(strings.Trim(strings.TrimSpace(header.Get("Message-Id")), "<>"))
	}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		headers.From = validUTF8(strings.ToLower(strings.TrimSpace(from[0].Address)))
	}

	return headers, nil
}

// validUTF8 replaces raw 8-bit bytes that were sent without an encoded-word.
func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}
