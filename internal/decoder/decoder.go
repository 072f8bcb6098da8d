package decoder

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Placeholder replaces content that could not be decoded.
const Placeholder = "[unable to decode content]"

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Result is the outcome of decoding one message. Errors lists the problems
// that were papered over while producing Body; they are informational.
type Result struct {
	Body        string
	Attachments []Attachment
	Errors      []error
}

// Error describes a part that could not be decoded cleanly.
type Error struct {
	Part string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode part %s: %v", e.Part, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Decode parses raw RFC 5322 bytes and extracts a plain-text body.
func Decode(raw []byte) Result {
	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		return Result{
			Body:   Placeholder,
			Errors: []error{&Error{Part: "root", Err: err}},
		}
	}
	return decode(entity, err)
}

// DecodeEntity extracts a plain-text body from an already parsed message.
// The entity is consumed.
func DecodeEntity(entity *message.Entity) Result {
	return decode(entity, nil)
}

func decode(entity *message.Entity, rootErr error) Result {
	var result Result
	var body strings.Builder

	appendText := func(text string) {
		if text == "" {
			return
		}
		if body.Len() > 0 && !strings.HasSuffix(body.String(), "\n") {
			body.WriteByte('\n')
		}
		body.WriteString(text)
	}

	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if part == nil {
			return nil
		}
		name := partName(path)
		if path == nil && rootErr != nil {
			err = rootErr
		}

		mediaType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if err != nil {
			// Unknown charset or transfer encoding: the body is still
			// readable, just not converted.
			result.Errors = append(result.Errors, &Error{Part: name, Err: err})
		}

		disposition, _, _ := part.Header.ContentDisposition()
		isText := strings.HasPrefix(mediaType, "text/")

		data, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			result.Errors = append(result.Errors, &Error{Part: name, Err: readErr})
			if isText && disposition != "attachment" {
				appendText(Placeholder)
			}
			return nil
		}

		if disposition == "attachment" || !isText {
			header := mail.AttachmentHeader{Header: part.Header}
			filename, _ := header.Filename()
			filename = strings.ToValidUTF8(filename, "\uFFFD")
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			result.Attachments = append(result.Attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Data:        data,
			})
			return nil
		}

		text := strings.ToValidUTF8(string(data), "\uFFFD")
		if mediaType == "text/html" {
			text = StripHTML(text)
		}
		appendText(strings.TrimSpace(text))
		return nil
	})
	if walkErr != nil {
		result.Errors = append(result.Errors, &Error{Part: "tree", Err: walkErr})
		if body.Len() == 0 {
			appendText(Placeholder)
		}
	}

	result.Body = body.String()
	return result
}

func partName(path []int) string {
	if len(path) == 0 {
		return "root"
	}
	parts := make([]string, len(path))
	for i, index := range path {
		parts[i] = strconv.Itoa(index + 1)
	}
	return strings.Join(parts, ".")
}
