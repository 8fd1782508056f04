package imap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// RelayTransport asks the IMAP relay service to read mailboxes on the worker's behalf.
type RelayTransport struct {
	baseURL string
	signer  *auth.RelaySigner
	client  *http.Client
}

// NewRelayTransport creates a client for the relay at baseURL.
func NewRelayTransport(baseURL string, signer *auth.RelaySigner) *RelayTransport {
	return &RelayTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type relayResponse struct {
	Messages []RawMessage `json:"messages"`
	Error    string       `json:"error,omitempty"`
}

// Fetch posts the request to /fetch. The relay answers 422 when the IMAP server refuses the login.
func (t *RelayTransport) Fetch(ctx context.Context, req FetchRequest) ([]RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode relay request: %w", err)
	}
	token, err := t.signer.Sign(req.Username)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/fetch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", sync.ErrAuthRejected, relayError(resp.Body))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("relay refused worker token: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("relay bad status %d: %s", resp.StatusCode, relayError(resp.Body))
	}

	var out relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode relay response: %w", err)
	}
	return out.Messages, nil
}

func relayError(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 512))
	var parsed relayResponse
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(data))
}
