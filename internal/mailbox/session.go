package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const inbox = "INBOX"

// UID is a provider-assigned message identifier, stable within a mailbox.
type UID uint32

// RawMessage is one message as returned by the server.
type RawMessage struct {
	UID          UID
	Raw          []byte
	InternalDate time.Time
}

// DialFunc opens the transport to an IMAP server.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Session.
type Options struct {
	Addr     string
	Username string
	Password string

	// TLSConfig is used by the default dialer. ServerName defaults to the
	// host part of Addr.
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	// Dial replaces the implicit-TLS dialer, e.g. for plain connections in
	// tests.
	Dial DialFunc

	Logger *slog.Logger
}

// Session owns one IMAP connection with INBOX selected. It is not safe for
// concurrent use.
type Session struct {
	opts   Options
	logger *slog.Logger
	client *imapclient.Client
}

func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		logger: logger.With("addr", opts.Addr, "user", opts.Username),
	}
}

func (s *Session) Connected() bool {
	return s.client != nil
}

// Connect dials the server, logs in and selects INBOX. Connecting an already
// connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "dial", Addr: s.opts.Addr, Err: err}
	}
	client := imapclient.New(conn, nil)
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Type != imap.StatusResponseTypeBye {
			return &AuthenticationError{User: s.opts.Username, Err: err}
		}
		return &ConnectionError{Op: "login", Addr: s.opts.Addr, Err: err}
	}

	data, err := client.Select(inbox, nil).Wait()
	if err != nil {
		client.Close()
		return classify("select "+inbox, s.opts.Addr, err)
	}

	s.client = client
	s.logger.Debug("mailbox connected", "messages", data.NumMessages, "uid_next", data.UIDNext)
	return nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	timeout := s.opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.opts.Dial != nil {
		return s.opts.Dial(ctx, "tcp", s.opts.Addr)
	}

	cfg := s.opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(s.opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse address: %w", err)
		}
		cfg.ServerName = host
	}
	dialer := &tls.Dialer{Config: cfg}
	return dialer.DialContext(ctx, "tcp", s.opts.Addr)
}

// ListNewUIDs returns the UIDs in INBOX greater than since, ascending. A
// zero since lists every message.
func (s *Session) ListNewUIDs(ctx context.Context, since UID) ([]UID, error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { s.client.Close() })
	defer stop()

	criteria := &imap.SearchCriteria{}
	if since > 0 {
		uidSet := imap.UIDSet{}
		uidSet.AddRange(imap.UID(since)+1, 0)
		criteria.UID = []imap.UIDSet{uidSet}
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classify("uid search", s.opts.Addr, ctxErr(ctx, err))
	}

	// "n:*" always matches the highest UID, even when it is below n.
	var uids []UID
	for _, uid := range data.AllUIDs() {
		if UID(uid) > since {
			uids = append(uids, UID(uid))
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchRaw downloads the full message with the given UID without setting
// the \Seen flag.
func (s *Session) FetchRaw(ctx context.Context, uid UID) (*RawMessage, error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { s.client.Close() })
	defer stop()

	section := &imap.FetchItemBodySection{Peek: true}
	options := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	messages, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), options).Collect()
	if err != nil {
		err = classify("uid fetch", s.opts.Addr, ctxErr(ctx, err))
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &FetchError{UID: uid, Err: err}
	}

	for _, message := range messages {
		if UID(message.UID) != uid {
			continue
		}
		raw := message.FindBodySection(section)
		if raw == nil {
			return nil, &FetchError{UID: uid, Err: errors.New("server returned no body")}
		}
		s.logger.Debug("message fetched", "uid", uid, "size", humanize.Bytes(uint64(len(raw))))
		return &RawMessage{UID: uid, Raw: raw, InternalDate: message.InternalDate}, nil
	}
	return nil, &FetchError{UID: uid, Err: errors.New("no such message")}
}

// Disconnect logs out and closes the connection. It is safe to call on a
// session that is not connected.
func (s *Session) Disconnect() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil

	if err := client.Logout().Wait(); err != nil && !isNetworkError(err) {
		s.logger.Debug("logout", "error", err)
	}
	if err := client.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// ctxErr prefers the context's error when a command failed because the
// context closed the connection.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}
