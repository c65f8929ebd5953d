package email

import (
	"context"
	"fmt"
	"log/slog"

	gomail "github.com/wneessen/go-mail"
)

// sendReply delivers one SMTP reply to the chat's address, threading
// it onto the last inbound message when one is known.
func (c *Channel) sendReply(ctx context.Context, to, content string) error {
	if c.config.SMTPHost == "" {
		return fmt.Errorf("email smtp_host is not configured")
	}

	c.threadMu.Lock()
	inReplyTo := c.lastMsgID[to]
	subject := replySubject(c.lastSubj[to])
	c.threadMu.Unlock()

	msg := gomail.NewMsg()
	if err := msg.From(c.fromAddress()); err != nil {
		return fmt.Errorf("email from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("email to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, content)
	if inReplyTo != "" {
		msg.SetGenHeader("In-Reply-To", inReplyTo)
		msg.SetGenHeader("References", inReplyTo)
	}

	port := c.config.SMTPPort
	if port == 0 {
		port = 587
	}
	cl, err := gomail.NewClient(c.config.SMTPHost,
		gomail.WithPort(port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(c.config.SMTPUsername),
		gomail.WithPassword(c.config.SMTPPassword),
		gomail.WithTLSPolicy(gomail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := cl.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	slog.Info("email reply sent", "to", to, "subject", subject)
	return nil
}
