/*Package alert delivers operational alerts by email.
 */
package alert

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/fov-tech/fovdash/core/logger"
)

// Mailer sends an alert. The status sweeper only depends on this
// interface; tests inject a recording fake.
type Mailer interface {
	Send(subject, body string) error
}

// SMTPConfig holds the SMTP submission settings.
//
// All fields are optional as a group: when Host is empty, NewMailer
// returns a mailer that logs instead of sending.
type SMTPConfig struct {
	Host     string `env:"SMTP_HOST,optional"`
	Port     int    `env:"SMTP_PORT,default=587"`
	User     string `env:"SMTP_USER,optional"`
	Password string `env:"SMTP_PASS,optional"`
	To       string `env:"ALERT_EMAIL_TO,optional"`
	From     string `env:"ALERT_EMAIL_FROM,optional"`
}

// NewMailer returns a Mailer for the given configuration. With no host
// configured it returns a no-op mailer that only logs, so alerting can
// be disabled in development without touching the sweeper.
func NewMailer(config SMTPConfig) Mailer {
	if len(config.Host) == 0 || len(config.To) == 0 {
		logger.Default().Infoln("alert email not configured, alerts will only be logged")
		return &logMailer{}
	}
	if len(config.From) == 0 {
		config.From = config.User
	}
	return &smtpMailer{config: config}
}

type smtpMailer struct {
	config SMTPConfig
}

func (m *smtpMailer) Send(subject, body string) error {
	c := m.config
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n%s\r\n",
		c.From, c.To, subject, time.Now().Format(time.RFC1123Z), body)
	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	auth := smtp.PlainAuth("", c.User, c.Password, c.Host)
	err := smtp.SendMail(addr, auth, c.From, []string{c.To}, []byte(msg))
	if err != nil {
		logger.Default().WithError(err).Errorln("alert email send failed:", subject)
		return err
	}
	return nil
}

type logMailer struct{}

func (m *logMailer) Send(subject, body string) error {
	logger.Default().Warnln("alert:", subject)
	return nil
}
