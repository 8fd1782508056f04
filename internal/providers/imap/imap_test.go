package imap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

func rawMail(from, subject, messageID, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	if messageID != "" {
		b.WriteString("Message-ID: <" + messageID + ">\r\n")
	}
	b.WriteString("Date: Mon, 01 Jul 2024 08:00:00 +0000\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(body + "\r\n")
	return []byte(b.String())
}

type fakeTransport struct {
	got  FetchRequest
	msgs []RawMessage
	err  error
}

func (f *fakeTransport) Fetch(_ context.Context, req FetchRequest) ([]RawMessage, error) {
	f.got = req
	return f.msgs, f.err
}

func passwordCred() *sync.Credential {
	return &sync.Credential{
		UserID:   "u1",
		Provider: sync.ProviderIMAP,
		Password: "hunter2",
		IMAP: &sync.IMAPConfig{
			Host:     "imap.example.com",
			Port:     993,
			Secure:   true,
			Username: "me@example.com",
			SentBox:  "Sent",
		},
	}
}

func TestAdapterNormalizesRawMessages(t *testing.T) {
	received := time.Date(2024, 7, 1, 8, 5, 0, 0, time.UTC)
	tr := &fakeTransport{msgs: []RawMessage{
		{UID: 7, UIDValidity: 1, Mailbox: "INBOX", Flags: []string{`\Seen`}, InternalDate: received,
			Raw: rawMail(`"Client" <Client@Example.org>`, "Quote", "q1@example.org", "<p>Need a quote</p>")},
		{UID: 3, UIDValidity: 1, Mailbox: "Sent", InternalDate: received.Add(time.Minute),
			Raw: rawMail("someone@example.org", "Re: Quote", "", "<p>Sure</p>")},
	}}
	since := received.Add(-time.Hour)

	msgs, err := New(tr).FetchNewMessages(context.Background(), passwordCred(), &since)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, []string{"INBOX", "Sent"}, tr.got.Mailboxes)
	require.Equal(t, "hunter2", tr.got.Password)
	require.Equal(t, &since, tr.got.Since)

	require.Equal(t, "q1@example.org", msgs[0].ProviderMessageID)
	require.Equal(t, "client@example.org", msgs[0].SenderEmail)
	require.Equal(t, sync.StatusRead, msgs[0].Status)
	require.Equal(t, sync.DirectionInbound, msgs[0].Direction)
	require.Equal(t, received, msgs[0].SentAt)
	require.Equal(t, "Need a quote", msgs[0].Preview)

	require.Equal(t, "Sent:1:3", msgs[1].ProviderMessageID)
	require.Equal(t, sync.StatusUnread, msgs[1].Status)
	require.Equal(t, sync.DirectionOutbound, msgs[1].Direction)
}

func TestAdapterValidatesCredential(t *testing.T) {
	_, err := New(&fakeTransport{}).FetchNewMessages(context.Background(), &sync.Credential{Password: "x"}, nil)
	require.Error(t, err)
}

func TestAdapterPassesAuthRejection(t *testing.T) {
	tr := &fakeTransport{err: errors.Join(sync.ErrAuthRejected, errors.New("NO [AUTHENTICATIONFAILED]"))}
	_, err := New(tr).FetchNewMessages(context.Background(), passwordCred(), nil)
	require.ErrorIs(t, err, sync.ErrAuthRejected)
	require.Equal(t, sync.KindAuth, sync.Classify(err))
}

func TestAdapterWrapsTransportFailure(t *testing.T) {
	tr := &fakeTransport{err: errors.New("connection reset")}
	_, err := New(tr).FetchNewMessages(context.Background(), passwordCred(), nil)
	require.ErrorIs(t, err, sync.ErrProviderFetch)
	require.NotContains(t, err.Error(), "hunter2")
}

func TestMailboxesDefaults(t *testing.T) {
	require.Equal(t, []string{"INBOX"}, mailboxes(&sync.IMAPConfig{}))
	require.Equal(t, []string{"Archive", "sent"}, mailboxes(&sync.IMAPConfig{Mailboxes: []string{"Archive", "sent"}, SentBox: "Sent"}))
}

func TestRelayTransport(t *testing.T) {
	var got FetchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fetch", r.URL.Path)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return []byte("relay-secret"), nil
		}, jwt.WithAudience(auth.RelayAudience))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "me@example.com", claims.Subject)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Password != "hunter2" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"AUTHENTICATIONFAILED"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(relayResponse{Messages: []RawMessage{{UID: 1, Mailbox: "INBOX", Raw: []byte("From: a@b.c\r\n\r\nhi")}}})
	}))
	defer srv.Close()

	signer, err := auth.NewRelaySigner("relay-secret")
	require.NoError(t, err)
	tr := NewRelayTransport(srv.URL+"/", signer)

	req := FetchRequest{Host: "imap.example.com", Username: "me@example.com", Password: "hunter2", Mailboxes: []string{"INBOX"}, Limit: 5}
	msgs, err := tr.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("From: a@b.c\r\n\r\nhi"), msgs[0].Raw)
	require.Equal(t, 5, got.Limit)

	req.Password = "wrong"
	_, err = tr.Fetch(context.Background(), req)
	require.ErrorIs(t, err, sync.ErrAuthRejected)
	require.Contains(t, err.Error(), "AUTHENTICATIONFAILED")

	badSigner, err := auth.NewRelaySigner("other")
	require.NoError(t, err)
	_, err = NewRelayTransport(srv.URL, badSigner).Fetch(context.Background(), req)
	require.Error(t, err)
	require.NotErrorIs(t, err, sync.ErrAuthRejected)
}

type fakeIMAPClient struct {
	boxes        map[string][]imap.UID
	bodies       map[imap.UID][]byte
	seen         map[imap.UID]bool
	loginErr     error
	selected     string
	searchSince  []time.Time
	fetchedUIDs  []imap.UID
	selectedOpts []*imap.SelectOptions
	logoutCalls  int
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter { return &fakeCommand{err: c.loginErr} }
func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logoutCalls++
	return &fakeCommand{}
}
func (c *fakeIMAPClient) Close() error { return nil }
func (c *fakeIMAPClient) Select(mailbox string, opts *imap.SelectOptions) selectWaiter {
	c.selected = mailbox
	c.selectedOpts = append(c.selectedOpts, opts)
	return &fakeSelect{data: &imap.SelectData{UIDValidity: 42}}
}
func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.searchSince = append(c.searchSince, criteria.Since)
	return &fakeSearch{data: &imap.SearchData{All: imap.UIDSetNum(c.boxes[c.selected]...)}}
}
func (c *fakeIMAPClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	set := numSet.(imap.UIDSet)
	var bufs []*imapclient.FetchMessageBuffer
	for _, uid := range c.boxes[c.selected] {
		if !set.Contains(uid) {
			continue
		}
		c.fetchedUIDs = append(c.fetchedUIDs, uid)
		var flags []imap.Flag
		if c.seen[uid] {
			flags = append(flags, imap.FlagSeen)
		}
		bufs = append(bufs, &imapclient.FetchMessageBuffer{
			UID:          uid,
			Flags:        flags,
			InternalDate: time.Date(2024, 7, 1, 0, 0, int(uid), 0, time.UTC),
			BodySection: []imapclient.FetchBodySectionBuffer{{
				Section: &imap.FetchItemBodySection{Peek: true},
				Bytes:   c.bodies[uid],
			}},
		})
	}
	return &fakeFetch{bufs: bufs}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ data *imap.SelectData }

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return s.data, nil }

type fakeSearch struct{ data *imap.SearchData }

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, nil }

type fakeFetch struct{ bufs []*imapclient.FetchMessageBuffer }

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, nil }

func TestDirectTransportReadsMailboxes(t *testing.T) {
	client := &fakeIMAPClient{
		boxes:  map[string][]imap.UID{"INBOX": {1, 2, 3}, "Sent": {9}},
		bodies: map[imap.UID][]byte{1: []byte("one"), 2: []byte("two"), 3: []byte("three"), 9: []byte("nine")},
		seen:   map[imap.UID]bool{2: true},
	}
	tr := NewDirectTransport(withClientFactory(func(FetchRequest) (imapClient, error) { return client, nil }))

	since := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	msgs, err := tr.Fetch(context.Background(), FetchRequest{
		Username: "me", Password: "pw", Mailboxes: []string{"INBOX", "Sent"}, Since: &since, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []imap.UID{1, 2, 9}, client.fetchedUIDs)
	require.Equal(t, []string{`\Seen`}, msgs[1].Flags)
	require.Equal(t, uint32(42), msgs[0].UIDValidity)
	require.Equal(t, "Sent", msgs[2].Mailbox)
	require.Equal(t, []byte("nine"), msgs[2].Raw)
	require.Equal(t, since, client.searchSince[0])
	require.True(t, client.selectedOpts[0].ReadOnly)
	require.Equal(t, 1, client.logoutCalls)
}

func TestDirectTransportKeepsNewestWithoutWatermark(t *testing.T) {
	client := &fakeIMAPClient{
		boxes:  map[string][]imap.UID{"INBOX": {1, 2, 3}},
		bodies: map[imap.UID][]byte{1: []byte("a"), 2: []byte("b"), 3: []byte("c")},
	}
	tr := NewDirectTransport(withClientFactory(func(FetchRequest) (imapClient, error) { return client, nil }))
	_, err := tr.Fetch(context.Background(), FetchRequest{Mailboxes: []string{"INBOX"}, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []imap.UID{2, 3}, client.fetchedUIDs)
}

func TestDirectTransportLoginRejected(t *testing.T) {
	client := &fakeIMAPClient{loginErr: &imap.Error{Type: imap.StatusResponseTypeNo, Text: "bad credentials"}}
	tr := NewDirectTransport(withClientFactory(func(FetchRequest) (imapClient, error) { return client, nil }))
	_, err := tr.Fetch(context.Background(), FetchRequest{Mailboxes: []string{"INBOX"}})
	require.ErrorIs(t, err, sync.ErrAuthRejected)

	client = &fakeIMAPClient{loginErr: errors.New("connection closed")}
	tr = NewDirectTransport(withClientFactory(func(FetchRequest) (imapClient, error) { return client, nil }))
	_, err = tr.Fetch(context.Background(), FetchRequest{Mailboxes: []string{"INBOX"}})
	require.ErrorContains(t, err, "imap auth")
	require.NotErrorIs(t, err, sync.ErrAuthRejected)
}

func TestDirectTransportConnectError(t *testing.T) {
	tr := NewDirectTransport(withClientFactory(func(FetchRequest) (imapClient, error) { return nil, errors.New("dial failed") }))
	_, err := tr.Fetch(context.Background(), FetchRequest{})
	require.ErrorContains(t, err, "imap connect")
}
