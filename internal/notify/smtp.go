package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
)

var ErrSMTPConfig = errors.New("SMTP configuration missing")

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPNotifier struct {
	cfg  SMTPConfig
	send sendFunc
}

func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.Port == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, ErrSMTPConfig
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}, nil
}

func (n *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To == "" {
		return errors.New("recipient is required")
	}

	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)

	body := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", n.cfg.From, msg.To, msg.Subject, msg.Body))

	addr := fmt.Sprintf("%s:%s", n.cfg.Host, n.cfg.Port)
	return n.send(addr, auth, n.cfg.From, []string{msg.To}, body)
}
