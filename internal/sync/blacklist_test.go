package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	teams      map[string][]string
	rules      map[string][]string
	teamsErr   error
	rulesCalls int
}

func (m *memStore) LastSyncDate(context.Context, string, ProviderName) (*time.Time, error) {
	return nil, nil
}

func (m *memStore) TeamsForUser(_ context.Context, userID string) ([]string, error) {
	return m.teams[userID], m.teamsErr
}

func (m *memStore) BlacklistForTeams(_ context.Context, teamIDs []string) ([]string, error) {
	m.rulesCalls++
	var out []string
	for _, id := range teamIDs {
		out = append(out, m.rules[id]...)
	}
	return out, nil
}

func (m *memStore) InsertMessages(_ context.Context, _ string, _ ProviderName, msgs []NormalizedMessage) ([]NormalizedMessage, error) {
	return msgs, nil
}

func senders(msgs []NormalizedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.SenderEmail
	}
	return out
}

func TestBlacklistFilter(t *testing.T) {
	msgs := []NormalizedMessage{
		{ProviderMessageID: "1", SenderEmail: "alice@example.com"},
		{ProviderMessageID: "2", SenderEmail: " SPAM@example.com"},
		{ProviderMessageID: "3", SenderEmail: "promo@shop.example"},
		{ProviderMessageID: "4", SenderEmail: "alice@example.com.evil"},
	}
	store := &memStore{
		teams: map[string][]string{"u1": {"t1", "t2"}},
		rules: map[string][]string{"t1": {"spam@example.com"}, "t2": {"Promo@Shop.Example  "}},
	}
	f := BlacklistFilter{Store: store}

	kept, err := f.Apply(context.Background(), "u1", msgs)
	require.NoError(t, err)
	require.Equal(t, []string{"alice@example.com", "alice@example.com.evil"}, senders(kept))
}

func TestBlacklistFilterWithoutTeamsSkipsRules(t *testing.T) {
	msgs := []NormalizedMessage{{ProviderMessageID: "1", SenderEmail: "spam@example.com"}}
	store := &memStore{rules: map[string][]string{"t1": {"spam@example.com"}}}
	f := BlacklistFilter{Store: store}

	kept, err := f.Apply(context.Background(), "u1", msgs)
	require.NoError(t, err)
	require.Equal(t, msgs, kept)
	require.Zero(t, store.rulesCalls)
}

func TestBlacklistFilterPropagatesErrors(t *testing.T) {
	store := &memStore{teamsErr: errors.New("db down")}
	f := BlacklistFilter{Store: store}

	_, err := f.Apply(context.Background(), "u1", []NormalizedMessage{{ProviderMessageID: "1"}})
	require.ErrorContains(t, err, "db down")
}

func TestClassify(t *testing.T) {
	require.Equal(t, KindBadRequest, Classify(ErrBadRequest))
	require.Equal(t, KindIgnored, Classify(ErrUnsupportedProvider))
	require.Equal(t, KindCredential, Classify(ErrDecryption))
	require.Equal(t, KindCredential, Classify(ErrCredentialNotFound))
	require.Equal(t, KindAuth, Classify(errors.Join(errors.New("imap"), ErrAuthRejected)))
	require.Equal(t, KindUnexpected, Classify(ErrPersistence))
	require.Equal(t, KindUnexpected, Classify(nil))
}
