package notify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from string
	to   []string
	data []byte
}

// backend is a minimal SMTP server that keeps every message it accepts.
type backend struct {
	mu       sync.Mutex
	messages []received
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

func (b *backend) all() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type session struct {
	backend *backend
	from    string
	to      []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, received{from: s.from, to: s.to, data: data})
	s.backend.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// startSMTP serves on loopback. With serverTLS set the server offers
// STARTTLS, or speaks TLS from the first byte when implicit is true.
func startSMTP(t *testing.T, serverTLS *tls.Config, implicit bool) (*backend, string, int) {
	t.Helper()
	be := &backend{}
	server := smtp.NewServer(be)
	server.Domain = "localhost"
	server.ReadTimeout = 5 * time.Second
	server.WriteTimeout = 5 * time.Second
	if !implicit {
		server.TLSConfig = serverTLS
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if implicit {
		ln = tls.NewListener(ln, serverTLS)
	}
	go server.Serve(ln)
	t.Cleanup(func() { server.Close() })

	host, portText, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)
	return be, host, port
}

// selfSignedTLS returns a server config for 127.0.0.1 and a client config
// that trusts it.
func selfSignedTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	server := &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}}}
	return server, &tls.Config{RootCAs: pool}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMailer_SendsToAdministrator(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	be, host, port := startSMTP(t, serverTLS, false)
	mailer := New(Config{
		AdminEmail: "admin@example.com",
		Host:       host,
		Port:       port,
		From:       "sync@example.com",
		TLSConfig:  clientTLS,
	}, discardLogger())
	require.True(t, mailer.Enabled())

	err := mailer.Notify(context.Background(), "Mail sync failed for user@example.com", "connection lost\n")
	require.NoError(t, err)

	messages := be.all()
	require.Len(t, messages, 1)
	assert.Equal(t, "sync@example.com", messages[0].from)
	assert.Equal(t, []string{"admin@example.com"}, messages[0].to)

	reader, err := mail.CreateReader(bytes.NewReader(messages[0].data))
	require.NoError(t, err)
	subject, err := reader.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Mail sync failed for user@example.com", subject)
	part, err := reader.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "connection lost")
}

func TestMailer_ImplicitTLS(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	be, host, port := startSMTP(t, serverTLS, true)
	mailer := New(Config{
		AdminEmail: "admin@example.com",
		Host:       host,
		Port:       port,
		TLS:        TLSImplicit,
		TLSConfig:  clientTLS,
	}, discardLogger())

	require.NoError(t, mailer.Notify(context.Background(), "subject", "body"))
	messages := be.all()
	require.Len(t, messages, 1)
	assert.Equal(t, defaultFrom, messages[0].from)
}

func TestMailer_PlainConnection(t *testing.T) {
	be, host, port := startSMTP(t, nil, false)
	mailer := New(Config{
		AdminEmail: "admin@example.com",
		Host:       host,
		Port:       port,
		TLS:        TLSNone,
	}, discardLogger())

	require.NoError(t, mailer.Notify(context.Background(), "subject", "body"))
	assert.Len(t, be.all(), 1)
}

func TestMailer_StartTLSRequiredByDefault(t *testing.T) {
	be, host, port := startSMTP(t, nil, false)
	mailer := New(Config{AdminEmail: "admin@example.com", Host: host, Port: port}, discardLogger())

	err := mailer.Notify(context.Background(), "subject", "body")
	assert.ErrorContains(t, err, "STARTTLS")
	assert.Empty(t, be.all())
}

func TestMailer_UnknownTLSMode(t *testing.T) {
	mailer := New(Config{AdminEmail: "admin@example.com", Host: "127.0.0.1", Port: 1, TLS: "ssl3"}, discardLogger())

	err := mailer.Notify(context.Background(), "subject", "body")
	assert.ErrorContains(t, err, "unknown smtp tls mode")
}

func TestNew_ImplicitTLSDefaultsToPort465(t *testing.T) {
	mailer := New(Config{AdminEmail: "admin@example.com", Host: "smtp.example.com", TLS: TLSImplicit}, discardLogger())
	var gotAddr string
	mailer.send = func(addr string, _ sasl.Client, _ string, _ []string, _ io.Reader) error {
		gotAddr = addr
		return nil
	}

	require.NoError(t, mailer.Notify(context.Background(), "subject", "body"))
	assert.Equal(t, "smtp.example.com:465", gotAddr)
}

func TestMailer_DisabledOnlyLogs(t *testing.T) {
	mailer := New(Config{Host: "smtp.example.com"}, discardLogger())
	mailer.send = func(string, sasl.Client, string, []string, io.Reader) error {
		t.Fatal("disabled mailer must not send")
		return nil
	}

	assert.False(t, mailer.Enabled())
	assert.NoError(t, mailer.Notify(context.Background(), "subject", "body"))
}

func TestMailer_UsesPlainAuthWhenConfigured(t *testing.T) {
	mailer := New(Config{
		AdminEmail: "admin@example.com",
		Host:       "smtp.example.com",
		Username:   "robot@example.com",
		Password:   "pw",
	}, discardLogger())

	var gotAddr, gotFrom string
	var gotAuth sasl.Client
	mailer.send = func(addr string, a sasl.Client, from string, _ []string, _ io.Reader) error {
		gotAddr, gotAuth, gotFrom = addr, a, from
		return nil
	}

	require.NoError(t, mailer.Notify(context.Background(), "subject", "body"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "robot@example.com", gotFrom)
	require.NotNil(t, gotAuth)
	mech, ir, err := gotAuth.Start()
	require.NoError(t, err)
	assert.Equal(t, sasl.Plain, mech)
	assert.Equal(t, "\x00robot@example.com\x00pw", string(ir))
}

func TestMailer_SendError(t *testing.T) {
	mailer := New(Config{AdminEmail: "admin@example.com", Host: "smtp.example.com"}, discardLogger())
	mailer.send = func(string, sasl.Client, string, []string, io.Reader) error {
		return errors.New("relay denied")
	}

	err := mailer.Notify(context.Background(), "subject", "body")
	assert.ErrorContains(t, err, "relay denied")
}
