package mail

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestMailer(cfg Config, err error) (*SMTPMailer, *[]captured) {
	var sent []captured
	m := NewSMTPMailer(cfg)
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, captured{addr: addr, from: from, to: to, msg: string(msg)})
		return err
	}
	return m, &sent
}

func TestAccountActivated(t *testing.T) {
	m, sent := newTestMailer(Config{Host: "mail.local", Port: "2525", Sender: "billing@taxdesk.test"}, nil)

	err := m.AccountActivated(context.Background(), &models.User{Name: "<Mario>", Email: "mario@example.com"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	got := (*sent)[0]
	assert.Equal(t, "mail.local:2525", got.addr)
	assert.Equal(t, "billing@taxdesk.test", got.from)
	assert.Equal(t, []string{"mario@example.com"}, got.to)
	assert.Contains(t, got.msg, "Subject: Welcome to TaxDesk\r\n")
	assert.Contains(t, got.msg, "&lt;Mario&gt;")
}

func TestSendMail_Disabled(t *testing.T) {
	m, sent := newTestMailer(Config{}, nil)

	require.NoError(t, m.SendMail("a@example.com", "hi", "body"))
	assert.Empty(t, *sent)
	assert.False(t, m.Enabled())
}

func TestSendMail_Error(t *testing.T) {
	m, _ := newTestMailer(Config{Host: "mail.local", Port: "25"}, errors.New("connection refused"))

	assert.EqualError(t, m.SendMail("a@example.com", "hi", "body"), "connection refused")
}

func TestLoadConfig_DefaultSender(t *testing.T) {
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_SENDER", "")

	cfg := LoadConfig()
	assert.Equal(t, "smtp.example.com", cfg.Host)
	assert.Equal(t, "25", cfg.Port)
	assert.Equal(t, "no-reply@localhost", cfg.Sender)
}
