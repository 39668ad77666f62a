package notify

import (
	"bytes"
	"context"
	"io"
	"net/smtp"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
)

func TestSMTPSenderComposesMail(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotRaw  []byte
	)
	s := SMTPSender{
		host: "mx.internal",
		port: 2525,
		from: "no-reply@example.com",
		send: func(addr string, _ smtp.Auth, _ string, to []string, raw []byte) error {
			gotAddr, gotTo, gotRaw = addr, to, raw
			return nil
		},
	}
	err := s.SendVerificationCode(context.Background(), CodeMessage{
		Username:  "alice",
		Email:     "alice@example.com",
		Code:      "123456",
		ExpiresAt: time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "mx.internal:2525" {
		t.Fatalf("unexpected addr %q", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "alice@example.com" {
		t.Fatalf("unexpected recipients %v", gotTo)
	}

	mr, err := mail.CreateReader(bytes.NewReader(gotRaw))
	if err != nil {
		t.Fatalf("parse composed mail: %v", err)
	}
	subject, _ := mr.Header.Subject()
	if subject != "Your verification code" {
		t.Fatalf("unexpected subject %q", subject)
	}
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body, _ := io.ReadAll(part.Body)
	if !bytes.Contains(body, []byte("123456")) {
		t.Fatalf("code missing from body: %q", body)
	}
}

func TestSMTPSenderRequiresEmail(t *testing.T) {
	s := SMTPSender{send: func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatalf("send must not be called")
		return nil
	}}
	if err := s.SendVerificationCode(context.Background(), CodeMessage{Username: "bob", Code: "1"}); err == nil {
		t.Fatalf("expected error without email")
	}
}
