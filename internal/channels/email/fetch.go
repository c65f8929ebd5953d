package email

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// inboundMail is one fetched message, reduced to the fields the
// channel forwards.
type inboundMail struct {
	UID       uint32
	From      string
	Subject   string
	Date      string
	MessageID string
	Body      string
}

// pollOnce connects, fetches unseen mail, marks it seen, and
// disconnects. A fresh connection per poll keeps the loop immune to
// servers that drop idle sessions.
func (c *Channel) pollOnce(ctx context.Context) {
	mails, err := c.fetchUnseen(ctx)
	if err != nil {
		slog.Warn("email poll failed", "error", err)
		return
	}
	for _, m := range mails {
		if !c.markSeen(m.UID) {
			continue
		}
		c.handleMail(m)
	}
}

func (c *Channel) imapAddr() string {
	port := c.config.IMAPPort
	if port == 0 {
		port = 993
	}
	return fmt.Sprintf("%s:%d", c.config.IMAPHost, port)
}

func (c *Channel) fetchUnseen(ctx context.Context) ([]*inboundMail, error) {
	cl, err := client.DialTLS(c.imapAddr(), nil)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", c.imapAddr(), err)
	}
	defer cl.Logout()
	cl.Timeout = 60 * time.Second

	if err := cl.Login(c.config.IMAPUsername, c.config.IMAPPassword); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := cl.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("imap select inbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := cl.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	fetchDone := make(chan error, 1)
	go func() {
		fetchDone <- cl.Fetch(seqset, items, messages)
	}()

	var mails []*inboundMail
	for msg := range messages {
		select {
		case <-ctx.Done():
			return mails, ctx.Err()
		default:
		}
		m := parseMessage(msg, section)
		if m != nil {
			mails = append(mails, m)
		}
	}
	if err := <-fetchDone; err != nil {
		return mails, fmt.Errorf("imap fetch: %w", err)
	}

	// Fetching BODY[] without peek already sets \Seen on most servers,
	// but some only honor an explicit store.
	storeItem := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := cl.Store(seqset, storeItem, []interface{}{imap.SeenFlag}, nil); err != nil {
		slog.Warn("imap mark seen failed", "error", err)
	}

	return mails, nil
}

func parseMessage(msg *imap.Message, section *imap.BodySectionName) *inboundMail {
	if msg == nil || msg.Envelope == nil {
		return nil
	}

	m := &inboundMail{
		UID:       msg.Uid,
		Subject:   msg.Envelope.Subject,
		MessageID: msg.Envelope.MessageId,
	}
	if !msg.Envelope.Date.IsZero() {
		m.Date = msg.Envelope.Date.Format(time.RFC1123Z)
	}
	if len(msg.Envelope.From) > 0 {
		m.From = msg.Envelope.From[0].Address()
	}

	if body := msg.GetBody(section); body != nil {
		m.Body = extractTextBody(body)
	}
	return m
}

// extractTextBody pulls the text/plain part out of a raw RFC 5322
// message. Multipart messages are walked one level deep, which covers
// the usual multipart/alternative and multipart/mixed layouts.
func extractTextBody(r io.Reader) string {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return ""
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		data, _ := io.ReadAll(io.LimitReader(msg.Body, bodyLimit*2))
		return strings.TrimSpace(string(data))
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(msg.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				return ""
			}
			partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if partType == "" || partType == "text/plain" {
				data, _ := io.ReadAll(io.LimitReader(part, bodyLimit*2))
				return strings.TrimSpace(string(data))
			}
		}
	}

	if mediaType == "text/plain" || strings.HasPrefix(mediaType, "text/") {
		data, _ := io.ReadAll(io.LimitReader(msg.Body, bodyLimit*2))
		return strings.TrimSpace(string(data))
	}
	return ""
}
