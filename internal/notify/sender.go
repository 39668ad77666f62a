package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"authdesk/internal/config"
)

// Sender delivers verification codes to their owner.
type Sender interface {
	SendVerificationCode(ctx context.Context, msg CodeMessage) error
}

type CodeMessage struct {
	Username  string
	Email     string
	Code      string
	ExpiresAt time.Time
}

// LogSender writes the code to the log. Meant for development deployments.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return LogSender{logger: logger.With("module", "notify")}
}

func (s LogSender) SendVerificationCode(ctx context.Context, msg CodeMessage) error {
	s.logger.InfoContext(ctx, "verification code generated",
		"username", msg.Username,
		"email", msg.Email,
		"code", msg.Code,
		"expires_at", msg.ExpiresAt.Format(time.RFC3339),
	)
	return nil
}

type SMTPSender struct {
	host string
	port int
	from string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(cfg config.Config, logger *slog.Logger) Sender {
	switch cfg.VerificationSender {
	case "smtp":
		return SMTPSender{host: cfg.SMTPHost, port: cfg.SMTPPort, from: cfg.SMTPFrom, send: smtp.SendMail}
	default:
		return NewLogSender(logger)
	}
}

func (s SMTPSender) SendVerificationCode(ctx context.Context, msg CodeMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.Email) == "" {
		return fmt.Errorf("no email address on file for %s", msg.Username)
	}
	raw, err := composeCodeMail(s.from, msg)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	return s.send(addr, nil, s.from, []string{msg.Email}, raw)
}

func composeCodeMail(from string, msg CodeMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject("Your verification code")
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Name: msg.Username, Address: msg.Email}})
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose verification mail: %w", err)
	}
	body := fmt.Sprintf("Hello %s,\r\n\r\nYour verification code is %s.\r\nIt expires at %s.\r\n",
		msg.Username, msg.Code, msg.ExpiresAt.UTC().Format(time.RFC1123))
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("compose verification mail: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose verification mail: %w", err)
	}
	return buf.Bytes(), nil
}
