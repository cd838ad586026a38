// critical_alert_notifier.go implements the CriticalAlertNotifier job, which emails a digest of
// pending critical alerts to the configured reviewers. Delivery state is persisted in the
// notified_at column so each alert appears in at most one successful digest, even across server
// restarts. The job is a no-op when notifications.enabled is false, when the SMTP host is not
// configured or when no recipients are listed, so it is always safe to schedule.
package jobs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/recordkeeper/recordkeeper/internal/config"
	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/telemetry"
)

// CriticalAlertNotifierJobName identifies the digest job in logs and metrics.
const CriticalAlertNotifierJobName = "critical-alert-notifier"

// AlertSource yields alerts awaiting a notification and records delivery.
type AlertSource interface {
	PendingNotification(ctx context.Context, limit int) ([]models.AlertView, error)
	MarkNotified(ctx context.Context, ids []int64) error
}

// MailSender delivers one message to a list of recipients.
type MailSender interface {
	Send(to []string, subject, body string) error
}

// CriticalAlertNotifier emails pending critical alerts in batches.
type CriticalAlertNotifier struct {
	source AlertSource
	mailer MailSender
	cfg    *config.NotificationsConfig
}

// NewCriticalAlertNotifier creates the digest job. mailer may be nil, in
// which case an SMTPMailer built from cfg.SMTP is used.
func NewCriticalAlertNotifier(source AlertSource, mailer MailSender, cfg *config.NotificationsConfig) *CriticalAlertNotifier {
	if mailer == nil {
		mailer = NewSMTPMailer(&cfg.SMTP)
	}
	return &CriticalAlertNotifier{source: source, mailer: mailer, cfg: cfg}
}

// Name implements Job.
func (n *CriticalAlertNotifier) Name() string { return CriticalAlertNotifierJobName }

// Enabled reports whether a run would attempt delivery.
func (n *CriticalAlertNotifier) Enabled() bool {
	return n.cfg.Enabled && n.cfg.SMTP.Host != "" && len(n.cfg.CriticalAlerts.Recipients) > 0
}

// Run sends one digest covering up to BatchSize pending alerts. Alerts are
// only marked notified after the mail server accepted the message.
func (n *CriticalAlertNotifier) Run(ctx context.Context) error {
	if !n.Enabled() {
		return nil
	}

	limit := n.cfg.CriticalAlerts.BatchSize
	if limit <= 0 {
		limit = 50
	}

	pending, err := n.source.PendingNotification(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load pending alerts: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	subject, body := composeDigest(pending)
	if err := n.mailer.Send(n.cfg.CriticalAlerts.Recipients, subject, body); err != nil {
		return fmt.Errorf("failed to send critical alert digest: %w", err)
	}
	telemetry.CriticalAlertNotificationsSentTotal.Inc()

	ids := make([]int64, len(pending))
	for i, a := range pending {
		ids[i] = a.ID
	}
	if err := n.source.MarkNotified(ctx, ids); err != nil {
		return fmt.Errorf("digest sent but failed to mark %d alert(s) notified: %w", len(ids), err)
	}

	slog.Info("critical alert digest sent",
		"alerts", len(pending), "recipients", len(n.cfg.CriticalAlerts.Recipients))
	return nil
}

func composeDigest(alerts []models.AlertView) (string, string) {
	subject := fmt.Sprintf("[recordkeeper] %d critical action(s) awaiting review", len(alerts))

	lines := []string{
		"The following critical actions were recorded and have not been acknowledged:",
		"",
	}
	for _, a := range alerts {
		when := a.CreatedAt
		if a.LogCreatedAt != nil {
			when = *a.LogCreatedAt
		}
		lines = append(lines, fmt.Sprintf("  #%d  %s  %s  %s %s/%s  by %s",
			a.ID,
			when.UTC().Format(time.RFC3339),
			a.AlertType,
			orDash(a.Module),
			orDash(a.EntityType),
			orDash(a.EntityID),
			actorLabel(a),
		))
	}
	lines = append(lines, "",
		"Acknowledge reviewed alerts with POST /api/v1/audit/alerts/{id}/acknowledge.",
	)
	return subject, strings.Join(lines, "\r\n")
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func actorLabel(a models.AlertView) string {
	name := orDash(a.UserName)
	if a.UserEmail != nil && *a.UserEmail != "" {
		return fmt.Sprintf("%s <%s>", name, *a.UserEmail)
	}
	return name
}

// SMTPMailer sends plain-text mail through the configured relay.
type SMTPMailer struct {
	cfg *config.SMTPConfig
}

// NewSMTPMailer creates a mailer for cfg.
func NewSMTPMailer(cfg *config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send implements MailSender.
func (m *SMTPMailer) Send(to []string, subject, body string) error {
	msg := buildMessage(m.cfg.From, to, subject, body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if m.cfg.UseTLS {
		return sendMailTLS(addr, m.cfg.Host, auth, m.cfg.From, to, msg)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, to, msg)
}

func buildMessage(from string, to []string, subject, body string) []byte {
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		from, strings.Join(to, ", "), subject, time.Now().UTC().Format(time.RFC1123Z),
	)
	return []byte(headers + body + "\r\n")
}

// sendMailTLS connects via implicit TLS (port 465) and sends a message. When
// the TLS dial fails it falls back to smtp.SendMail, which upgrades with
// STARTTLS on servers that advertise it.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
