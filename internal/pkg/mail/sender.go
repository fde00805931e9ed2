// Package mail renders embedded HTML templates and sends them over SMTP.
package mail

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/template/html/v2"
)

//go:embed templates/*.html
var templatesFS embed.FS

var ErrDisabled = errors.New("mail delivery is not configured")

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Sender delivers templated e-mails. Each template <id> has a companion
// <id>_subject template for the subject line.
type Sender struct {
	cfg    *Config
	engine *html.Engine
	send   sendFunc
}

func NewSender(cfg *Config) (*Sender, error) {
	sub, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		return nil, err
	}
	engine := html.NewFileSystem(http.FS(sub), ".html")
	if err := engine.Load(); err != nil {
		return nil, fmt.Errorf("failed to load mail templates: %w", err)
	}
	return &Sender{cfg: cfg, engine: engine, send: smtp.SendMail}, nil
}

// Render returns the subject and HTML body for templateID.
func (s *Sender) Render(templateID string, vars map[string]interface{}) (string, string, error) {
	var subject, body bytes.Buffer
	if err := s.engine.Render(&body, templateID, vars); err != nil {
		return "", "", fmt.Errorf("render %s: %w", templateID, err)
	}
	if err := s.engine.Render(&subject, templateID+"_subject", vars); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", templateID, err)
	}
	return strings.TrimSpace(subject.String()), body.String(), nil
}

// Send renders templateID with vars and mails it to recipient.
func (s *Sender) Send(ctx context.Context, recipient, templateID string, vars map[string]interface{}) error {
	if !s.cfg.IsEnabled() {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body, err := s.Render(templateID, vars)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n", s.cfg.Sender, recipient, subject, time.Now().Format(time.RFC1123Z)) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	if err := s.send(addr, auth, s.cfg.Sender, []string{recipient}, msg); err != nil {
		log.Errorf("[Mail] SMTP send error for %s: %v", templateID, err)
		return err
	}
	log.Infof("[Mail] Sent %s to %s via %s", templateID, recipient, addr)
	return nil
}
