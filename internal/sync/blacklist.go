package sync

import (
	"context"
	"fmt"
	"strings"
)

// BlacklistFilter drops messages from team-suppressed senders.
type BlacklistFilter struct {
	Store MessageStore
}

// Apply returns msgs without the messages whose sender is blacklisted by any of the user's teams.
// It returns msgs unchanged when the user has no team or no rules exist.
func (f *BlacklistFilter) Apply(ctx context.Context, userID string, msgs []NormalizedMessage) ([]NormalizedMessage, error) {
	if len(msgs) == 0 {
		return msgs, nil
	}

	teams, err := f.Store.TeamsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load teams: %w", err)
	}
	if len(teams) == 0 {
		return msgs, nil
	}

	values, err := f.Store.BlacklistForTeams(ctx, teams)
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	if len(values) == 0 {
		return msgs, nil
	}

	blocked := make(map[string]struct{}, len(values))
	for _, v := range values {
		if addr := normalizeAddr(v); addr != "" {
			blocked[addr] = struct{}{}
		}
	}
	if len(blocked) == 0 {
		return msgs, nil
	}

	kept := make([]NormalizedMessage, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := blocked[normalizeAddr(m.SenderEmail)]; ok {
			continue
		}
		kept = append(kept, m)
	}
	return kept, nil
}

func normalizeAddr(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
