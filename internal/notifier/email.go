package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Transport security modes for SMTPConfig.Security.
const (
	SMTPStartTLS = "starttls"
	SMTPTLS      = "tls"
	SMTPNone     = "none"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Security string
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// EmailSender composes a plain-text message and relays it over SMTP. The
// whole exchange is bound to the send context: the connection is closed as
// soon as it ends.
type EmailSender struct {
	cfg  SMTPConfig
	dial dialFunc
	now  func() time.Time
}

func NewEmailSender(cfg SMTPConfig) (*EmailSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is empty")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	switch cfg.Security {
	case "":
		cfg.Security = SMTPStartTLS
	case SMTPStartTLS, SMTPTLS, SMTPNone:
	default:
		return nil, fmt.Errorf("smtp security %q is not one of starttls, tls, none", cfg.Security)
	}
	es := &EmailSender{cfg: cfg, now: time.Now}
	es.dial = (&net.Dialer{Timeout: 30 * time.Second}).DialContext
	if cfg.Security == SMTPTLS {
		es.dial = (&tls.Dialer{NetDialer: &net.Dialer{Timeout: 30 * time.Second}, Config: es.tlsConfig()}).DialContext
	}
	return es, nil
}

func (e *EmailSender) Channel() string { return ChannelEmail }

func (e *EmailSender) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}
}

func (e *EmailSender) Send(ctx context.Context, to string, m Message) error {
	raw, err := e.compose(to, m)
	if err != nil {
		return permanent(err)
	}
	// compose already validated both addresses.
	from, _ := mail.ParseAddress(e.cfg.From)
	rcpt, _ := mail.ParseAddress(to)

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	conn, err := e.dial(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("smtp dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	err = e.deliver(conn, from.Address, rcpt.Address, raw)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var reply *smtp.SMTPError
	if errors.As(err, &reply) && reply.Code >= 500 {
		return permanent(fmt.Errorf("smtp: %w", err))
	}
	if err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	return nil
}

// deliver runs one SMTP transaction on conn and closes it.
func (e *EmailSender) deliver(conn net.Conn, from, to string, raw []byte) error {
	var c *smtp.Client
	if e.cfg.Security == SMTPStartTLS {
		var err error
		if c, err = smtp.NewClientStartTLS(conn, e.tlsConfig()); err != nil {
			_ = conn.Close()
			return fmt.Errorf("starttls: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	defer c.Close()

	if e.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", e.cfg.Username, e.cfg.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.SendMail(from, []string{to}, bytes.NewReader(raw)); err != nil {
		return err
	}
	return c.Quit()
}

func (e *EmailSender) compose(to string, m Message) ([]byte, error) {
	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}

	var h mail.Header
	h.SetDate(e.now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{rcpt})
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, m.Text); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
