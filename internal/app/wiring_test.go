package app

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/sync"
)

func TestBuildRegistryLogsEnabledProviders(t *testing.T) {
	var buf bytes.Buffer
	c := &config.Config{}
	c.Google.ClientID = "google-client"
	c.Sync.MaxPages, c.Sync.PageSize = 2, 50

	reg, err := buildRegistry(c, zerolog.New(&buf))
	require.NoError(t, err)
	require.Equal(t, []string{"gmail", "imap"}, reg.Providers())
	require.Contains(t, buf.String(), `"providers":["gmail","imap"]`)
	require.Contains(t, buf.String(), "microsoft.client_id not set")

	_, ok := reg.Lookup(sync.ProviderOutlook)
	require.False(t, ok)
}

func TestBuildRegistryRequiresRelaySecret(t *testing.T) {
	c := &config.Config{}
	c.IMAP.RelayURL = "http://relay.internal"
	_, err := buildRegistry(c, zerolog.Nop())
	require.ErrorContains(t, err, "imap relay")
}
