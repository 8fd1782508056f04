package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/sync"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
}

// DirectTransport reads mailboxes over IMAP without the relay.
type DirectTransport struct {
	dialTimeout time.Duration
	newClient   func(FetchRequest) (imapClient, error)
	logger      zerolog.Logger
}

// DirectOption customizes a DirectTransport.
type DirectOption func(*DirectTransport)

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(d time.Duration) DirectOption {
	return func(t *DirectTransport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithDirectLogger sets the transport logger.
func WithDirectLogger(l zerolog.Logger) DirectOption {
	return func(t *DirectTransport) { t.logger = l }
}

func withClientFactory(f func(FetchRequest) (imapClient, error)) DirectOption {
	return func(t *DirectTransport) { t.newClient = f }
}

// NewDirectTransport returns a transport dialing the mailbox server itself.
func NewDirectTransport(opts ...DirectOption) *DirectTransport {
	t := &DirectTransport{dialTimeout: 10 * time.Second, logger: zerolog.Nop()}
	t.newClient = t.dial
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fetch logs in, selects each mailbox read-only and downloads messages since req.Since.
func (t *DirectTransport) Fetch(ctx context.Context, req FetchRequest) ([]RawMessage, error) {
	client, err := t.newClient(req)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("imap close")
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(req.Username, req.Password).Wait(); err != nil {
		if rejected(err) {
			return nil, fmt.Errorf("%w: imap login refused", sync.ErrAuthRejected)
		}
		return nil, fmt.Errorf("imap auth: %w", err)
	}

	var out []RawMessage
	for _, mailbox := range req.Mailboxes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := t.fetchMailbox(client, mailbox, req)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}

	if err := client.Logout().Wait(); err != nil {
		t.logger.Debug().Err(err).Msg("imap logout")
	}
	return out, nil
}

func (t *DirectTransport) fetchMailbox(client imapClient, mailbox string, req FetchRequest) ([]RawMessage, error) {
	sel, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	criteria := &imap.SearchCriteria{}
	if req.Since != nil {
		criteria.Since = req.Since.UTC()
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search %s: %w", mailbox, err)
	}
	uids := data.AllUIDs()
	if req.Limit > 0 && len(uids) > req.Limit {
		if req.Since != nil {
			uids = uids[:req.Limit]
		} else {
			uids = uids[len(uids)-req.Limit:]
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", mailbox, err)
	}

	out := make([]RawMessage, 0, len(bufs))
	for _, buf := range bufs {
		body := buf.FindBodySection(section)
		if body == nil && len(buf.BodySection) > 0 {
			body = buf.BodySection[0].Bytes
		}
		if body == nil {
			continue
		}
		flags := make([]string, 0, len(buf.Flags))
		for _, f := range buf.Flags {
			flags = append(flags, string(f))
		}
		out = append(out, RawMessage{
			UID:          uint32(buf.UID),
			UIDValidity:  sel.UIDValidity,
			Mailbox:      mailbox,
			Flags:        flags,
			InternalDate: buf.InternalDate,
			Raw:          append([]byte(nil), body...),
		})
	}
	return out, nil
}

func (t *DirectTransport) dial(req FetchRequest) (imapClient, error) {
	if req.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	port := req.Port
	if port == 0 {
		port = 143
		if req.Secure {
			port = 993
		}
	}
	addr := net.JoinHostPort(req.Host, fmt.Sprint(port))
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: t.dialTimeout}}

	var client *imapclient.Client
	var err error
	if req.Secure {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &clientWrapper{Client: client}, nil
}

// rejected reports a tagged NO to LOGIN, meaning bad credentials rather than a broken connection.
func rejected(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *clientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *clientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *clientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *clientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
