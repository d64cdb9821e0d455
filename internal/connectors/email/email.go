// Package email is the agent mailbox connector: SMTP send and IMAP polling
// with sender/subject filters and verification-URL extraction.
package email

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// Config is the mailbox configuration.
type Config struct {
	Address  string
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
	Password string
}

// Connector talks to one agent mailbox.
type Connector struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a connector; connections are opened per call.
func New(cfg Config, logger *zap.Logger) *Connector {
	return &Connector{cfg: cfg, logger: logger}
}

// TransientError marks a network or server failure worth retrying.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string  { return e.err.Error() }
func (e *TransientError) Unwrap() error  { return e.err }
func (e *TransientError) IsTransient() bool { return true }

// Send delivers one message over SMTP with STARTTLS.
func (c *Connector) Send(ctx context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	auth := sasl.NewPlainClient("", c.cfg.Address, c.cfg.Password)

	msg := strings.NewReader(
		"From: " + c.cfg.Address + "\r\n" +
			"To: " + to + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"Date: " + time.Now().Format(time.RFC1123Z) + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" +
			body + "\r\n")

	if err := smtp.SendMail(addr, auth, c.cfg.Address, []string{to}, msg); err != nil {
		return &TransientError{err: fmt.Errorf("smtp send: %w", err)}
	}
	c.logger.Info("email sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// Message is one matched inbox message.
type Message struct {
	From    string   `json:"from"`
	Subject string   `json:"subject"`
	Date    string   `json:"date"`
	Body    string   `json:"body"`
	URLs    []string `json:"urls"`
}

// CheckRequest filters the inbox poll.
type CheckRequest struct {
	From         string
	SubjectMatch string
	Since        time.Time
	Deadline     time.Duration
	PollInterval time.Duration
}

// Check polls the inbox until a matching message arrives or the wall-clock
// deadline passes. Returns matched messages with extracted URLs; an empty
// result after the deadline is not an error.
func (c *Connector) Check(ctx context.Context, req CheckRequest) ([]Message, error) {
	if req.PollInterval <= 0 {
		req.PollInterval = 15 * time.Second
	}
	deadline := time.Now().Add(req.Deadline)

	for {
		msgs, err := c.searchOnce(req)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if req.Deadline <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(req.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Connector) searchOnce(req CheckRequest) ([]Message, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.IMAPHost, c.cfg.IMAPPort)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, &TransientError{err: fmt.Errorf("imap dial: %w", err)}
	}
	defer client.Close()

	if err := client.Login(c.cfg.Address, c.cfg.Password).Wait(); err != nil {
		return nil, &TransientError{err: fmt.Errorf("imap login: %w", err)}
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, &TransientError{err: fmt.Errorf("imap select: %w", err)}
	}

	criteria := &imap.SearchCriteria{}
	if !req.Since.IsZero() {
		criteria.Since = req.Since
	}
	if req.From != "" {
		criteria.Header = append(criteria.Header,
			imap.SearchCriteriaHeaderField{Key: "From", Value: req.From})
	}

	data, err := client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, &TransientError{err: fmt.Errorf("imap search: %w", err)}
	}
	seqNums := data.AllSeqNums()
	if len(seqNums) == 0 {
		return nil, nil
	}

	var seqSet imap.SeqSet
	seqSet.AddNum(seqNums...)
	section := &imap.FetchItemBodySection{}
	fetched, err := client.Fetch(seqSet, &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, &TransientError{err: fmt.Errorf("imap fetch: %w", err)}
	}

	var out []Message
	for _, buf := range fetched {
		if buf.Envelope == nil {
			continue
		}
		subject := buf.Envelope.Subject
		if req.SubjectMatch != "" &&
			!strings.Contains(strings.ToLower(subject), strings.ToLower(req.SubjectMatch)) {
			continue
		}

		from := ""
		if len(buf.Envelope.From) > 0 {
			from = buf.Envelope.From[0].Addr()
		}
		body := string(buf.FindBodySection(section))
		out = append(out, Message{
			From:    from,
			Subject: subject,
			Date:    buf.Envelope.Date.Format(time.RFC3339),
			Body:    body,
			URLs:    ExtractURLs(body),
		})
	}
	return out, nil
}

// ExtractURLs pulls http(s) URLs out of a message body, trimming trailing
// punctuation.
func ExtractURLs(body string) []string {
	raw := urlPattern.FindAllString(body, -1)
	seen := map[string]bool{}
	var out []string
	for _, u := range raw {
		u = strings.TrimRight(u, ".,;:)]}>")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
