package mailbox

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/emersion/go-imap/v2"
)

// ErrNotConnected is returned by operations on a session that has not
// connected or has already disconnected.
var ErrNotConnected = errors.New("mailbox session not connected")

// AuthenticationError means the server rejected the credentials.
type AuthenticationError struct {
	User string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authenticate %s: %v", e.User, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectionError means the connection could not be established or was
// lost mid-command.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError means the server refused, or returned nothing for, one UID.
type FetchError struct {
	UID UID
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch uid %d: %v", e.UID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransportAbort reports whether err means the connection was terminated
// by the network or the server, as opposed to a rejected command or bad
// credentials.
func IsTransportAbort(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return imapErr.Type == imap.StatusResponseTypeBye
	}
	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "unexpected eof") ||
		strings.Contains(s, "i/o timeout")
}

// classify turns an error returned by an IMAP command into the package
// taxonomy: server rejections stay as they are, anything else is treated
// as a lost connection.
func classify(op, addr string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type != imap.StatusResponseTypeBye {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &ConnectionError{Op: op, Addr: addr, Err: err}
}
