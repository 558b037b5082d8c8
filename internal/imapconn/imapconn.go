// Package imapconn wraps github.com/emersion/go-imap/client with the dial,
// auth, fetch-since and connection-test operations the ingestion engine
// needs, as one reusable connector. IDLE itself is driven by
// internal/idlesession over the client that Raw exposes.
package imapconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"github.com/mailext/ingestion/internal/ingesterr"
	"github.com/mailext/ingestion/internal/models"
	"github.com/mailext/ingestion/internal/provider"
	"github.com/mailext/ingestion/internal/retryutil"
)

// Message is the subset of a fetched IMAP message the core needs to build a
// delivery, shielding callers from the raw imap.Message/message.Entity API.
type Message struct {
	UID       uint32
	MessageID string
	From      string
	To        string
	Subject   string
	Date      time.Time
	TextBody  string
}

// Conn is one authenticated IMAP connection for an account, selected on
// INBOX. It is not safe for concurrent use by multiple goroutines beyond
// the single-owner idle-listen/refresh discipline idlesession imposes.
type Conn struct {
	AccountID string
	c         *client.Client
}

// Dial connects and authenticates against params, selecting INBOX. A 30s
// connect timeout applies regardless of caller ctx deadline.
func Dial(ctx context.Context, accountID string, params provider.ConnectionParams) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	addr := net.JoinHostPort(params.Host, fmt.Sprintf("%d", params.Port))

	type dialResult struct {
		c   *client.Client
		err error
	}
	done := make(chan dialResult, 1)
	go func() {
		var c *client.Client
		var err error
		switch params.Security {
		case models.SecuritySSL, "":
			c, err = client.DialTLS(addr, &tls.Config{ServerName: params.Host})
		case models.SecurityStartTLS:
			c, err = client.Dial(addr)
			if err == nil {
				err = c.StartTLS(&tls.Config{ServerName: params.Host})
			}
		default:
			c, err = client.Dial(addr)
		}
		done <- dialResult{c, err}
	}()

	var c *client.Client
	select {
	case r := <-done:
		if r.err != nil {
			return nil, ingesterr.Wrap(r.err, ingesterr.KindTransient, accountID, "")
		}
		c = r.c
	case <-dialCtx.Done():
		return nil, ingesterr.Wrap(dialCtx.Err(), ingesterr.KindTransient, accountID, "")
	}

	if err := authenticate(c, params); err != nil {
		_ = c.Logout()
		return nil, classifyAuthErr(err, accountID)
	}

	if _, err := c.Select("INBOX", false); err != nil {
		_ = c.Logout()
		return nil, ingesterr.Wrap(err, ingesterr.KindTransient, accountID, "")
	}

	return &Conn{AccountID: accountID, c: c}, nil
}

func authenticate(c *client.Client, params provider.ConnectionParams) error {
	if params.UseXOAuth2 {
		return c.Authenticate(sasl.NewXoauth2Client(params.Username, params.AccessToken))
	}
	return c.Login(params.Username, params.Password)
}

// classifyAuthErr tags login/auth failures distinctly so callers can
// surface authenticationFailed without retrying.
func classifyAuthErr(err error, accountID string) error {
	if ingesterr.IsTransient(err) {
		return ingesterr.Wrap(err, ingesterr.KindTransient, accountID, "")
	}
	return ingesterr.Wrap(err, ingesterr.KindAuthFailed, accountID, "")
}

// Test connects and immediately logs out, for the account-test operation
// named in the tool surface ("mail_accounts_test").
func Test(ctx context.Context, accountID string, params provider.ConnectionParams) error {
	conn, err := Dial(ctx, accountID, params)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close logs out and releases the underlying connection.
func (conn *Conn) Close() error {
	return conn.c.Logout()
}

// Raw exposes the underlying client for callers (idlesession) that need to
// drive emersion/go-imap-idle directly; ordinary callers should prefer
// FetchSince/Close.
func (conn *Conn) Raw() *client.Client {
	return conn.c
}

// FetchSince retrieves up to limit messages with UID > sinceUID, ascending
// by UID.
func (conn *Conn) FetchSince(ctx context.Context, sinceUID uint32, limit int) ([]Message, error) {
	var result []Message
	err := retryutil.Do(ctx, retryutil.Options{IsTransient: ingesterr.IsTransient}, func(ctx context.Context) error {
		status, err := conn.c.Select("INBOX", false)
		if err != nil {
			return err
		}
		if status.UidNext == 0 || status.UidNext-1 <= sinceUID {
			result = nil
			return nil
		}

		seqset := new(imap.SeqSet)
		seqset.AddRange(sinceUID+1, status.UidNext-1)

		section := &imap.BodySectionName{}
		items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

		messages := make(chan *imap.Message, 32)
		done := make(chan error, 1)
		go func() { done <- conn.c.UidFetch(seqset, items, messages) }()

		var fetched []Message
		for msg := range messages {
			if msg == nil {
				continue
			}
			fetched = append(fetched, toMessage(msg, section))
		}
		if err := <-done; err != nil {
			return err
		}

		sortByUID(fetched)
		if len(fetched) > limit {
			fetched = fetched[:limit]
		}
		result = fetched
		return nil
	})
	if err != nil {
		return nil, ingesterr.Wrap(err, classifyKind(err), conn.AccountID, "")
	}
	return result, nil
}

func classifyKind(err error) ingesterr.Kind {
	if ingesterr.IsTransient(err) {
		return ingesterr.KindTransient
	}
	return ingesterr.KindParseFailed
}

func sortByUID(msgs []Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].UID < msgs[j-1].UID; j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

func toMessage(msg *imap.Message, section *imap.BodySectionName) Message {
	m := Message{UID: msg.Uid}
	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date
		m.MessageID = env.MessageId
		if len(env.From) > 0 && env.From[0] != nil {
			m.From = env.From[0].Address()
		}
		if len(env.To) > 0 && env.To[0] != nil {
			m.To = env.To[0].Address()
		}
	}
	if m.MessageID == "" {
		// Some servers omit Message-ID; fall back to a UID-derived
		// pseudo-id so dedup still has a stable key.
		m.MessageID = fmt.Sprintf("uid-%d", msg.Uid)
	}
	if body := msg.GetBody(section); body != nil {
		m.TextBody = extractText(body)
	}
	return m
}
