package decoder

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMessage(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestDecode_MultipartPlainAndHTML(t *testing.T) {
	raw := rawMessage(
		"From: sender@example.com",
		"Subject: mixed",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hello",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<b>World</b>",
		"--b1--",
		"",
	)

	result := Decode(raw)

	assert.Contains(t, result.Body, "Hello")
	assert.Contains(t, result.Body, "World")
	assert.NotContains(t, result.Body, "<b>")
	assert.Less(t, strings.Index(result.Body, "Hello"), strings.Index(result.Body, "World"))
	assert.Empty(t, result.Errors)
}

func TestDecode_SinglePart(t *testing.T) {
	raw := rawMessage(
		"Subject: plain",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"just text",
	)

	result := Decode(raw)

	assert.Equal(t, "just text", result.Body)
}

func TestDecode_SingleHTMLPart(t *testing.T) {
	raw := rawMessage(
		"Content-Type: text/html",
		"",
		"<html><head><style>p{color:red}</style><script>alert(1)</script></head>",
		"<body><p>First</p><p>Second &amp; last</p></body></html>",
	)

	result := Decode(raw)

	assert.Equal(t, "First\nSecond & last", result.Body)
}

func TestDecode_DeclaredCharset(t *testing.T) {
	raw := rawMessage(
		"Content-Type: text/plain; charset=koi8-r",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"=F0=D2=C9=D7=C5=D4, =CD=C9=D2",
	)

	result := Decode(raw)

	assert.Equal(t, "Привет, мир", result.Body)
	assert.Empty(t, result.Errors)
}

func TestDecode_UnknownCharsetFallsBackToUTF8(t *testing.T) {
	raw := rawMessage(
		"Content-Type: text/plain; charset=x-no-such-charset",
		"",
		"caf\xe9",
	)

	result := Decode(raw)

	assert.Equal(t, "caf�", result.Body)
	require.Len(t, result.Errors, 1)
	var decodeErr *Error
	assert.ErrorAs(t, result.Errors[0], &decodeErr)
}

func TestDecode_AttachmentSkipped(t *testing.T) {
	raw := rawMessage(
		"Subject: with attachment",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		"Content-Type: text/plain",
		"",
		"See attached.",
		"--outer",
		`Content-Type: text/plain; name="notes.txt"`,
		`Content-Disposition: attachment; filename="notes.txt"`,
		"",
		"secret attachment text",
		"--outer",
		"Content-Type: application/pdf",
		"Content-Transfer-Encoding: base64",
		`Content-Disposition: attachment; filename="report.pdf"`,
		"",
		"JVBERi0xLjQgZmFrZQ==",
		"--outer--",
		"",
	)

	result := Decode(raw)

	assert.Equal(t, "See attached.", result.Body)
	require.Len(t, result.Attachments, 2)
	assert.Equal(t, "notes.txt", result.Attachments[0].Filename)
	assert.Equal(t, "report.pdf", result.Attachments[1].Filename)
	assert.Equal(t, "application/pdf", result.Attachments[1].ContentType)
	assert.Equal(t, []byte("%PDF-1.4 fake"), result.Attachments[1].Data)
}

func TestDecode_NestedMultipart(t *testing.T) {
	raw := rawMessage(
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: multipart/alternative; boundary="inner"`,
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"inner plain",
		"--inner--",
		"--outer",
		"Content-Type: text/plain",
		"",
		"outer plain",
		"--outer--",
		"",
	)

	result := Decode(raw)

	assert.Equal(t, "inner plain\nouter plain", result.Body)
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "inline markup", in: "<b>World</b>", want: "World"},
		{name: "entities", in: "a &lt; b", want: "a < b"},
		{name: "line breaks", in: "one<br>two", want: "one\ntwo"},
		{name: "script dropped", in: "<script>var x = 1;</script>shown", want: "shown"},
		{name: "whitespace collapsed", in: "<p>  spaced \n  out </p>", want: "spaced out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripHTML(tt.in))
		})
	}
}

func TestParseHeaders(t *testing.T) {
	raw := rawMessage(
		"From: Sender <Sender@Example.com>",
		"Subject: =?UTF-8?B?0KLQtdC80LAg0L/QuNGB0YzQvNCw?=",
		"Date: Mon, 02 Jan 2006 15:04:05 +0000",
		"Message-ID: <abc123@example.com>",
		"",
		"body",
	)

	headers, err := ParseHeaders(raw)
	require.NoError(t, err)

	assert.Equal(t, "Тема письма", headers.Subject)
	assert.Equal(t, "abc123@example.com", headers.MessageID)
	assert.Equal(t, "sender@example.com", headers.From)
	assert.True(t, headers.Date.Equal(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)))
	assert.Empty(t, headers.Errors)
}

func TestParseHeaders_MissingAndBrokenFields(t *testing.T) {
	raw := rawMessage(
		"Date: not a date",
		"",
		"body",
	)

	headers, err := ParseHeaders(raw)
	require.NoError(t, err)

	assert.Empty(t, headers.Subject)
	assert.Empty(t, headers.MessageID)
	assert.True(t, headers.Date.IsZero())
	require.Len(t, headers.Errors, 1)
	assert.Contains(t, headers.Errors[0].Error(), "Date")
}

func TestParseHeaders_Raw8BitBytesAreReplaced(t *testing.T) {
	raw := rawMessage(
		"From: sender@example.com",
		"Subject: caf\xe9 \xff",
		"Message-ID: <x\xe9@example.com>",
		"",
		"body",
	)

	headers, err := ParseHeaders(raw)
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(headers.Subject))
	assert.True(t, utf8.ValidString(headers.MessageID))
	assert.Equal(t, "caf\uFFFD \uFFFD", headers.Subject)
	assert.Equal(t, "x\uFFFD@example.com", headers.MessageID)
	assert.Equal(t, "sender@example.com", headers.From)
}
