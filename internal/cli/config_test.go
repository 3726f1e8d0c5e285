package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
db: /var/lib/spacesync/host.ldb
backend: leveldb
identity: alice
listen: 127.0.0.1:9000
peers: [ws://peer-a:7420/sync]
announce_interval: 2s
backfill_rate: 25
`))
	require.NoError(t, err)
	assert.Equal(t, BackendLevelDB, cfg.Backend)
	assert.Equal(t, "alice", cfg.Identity)
	assert.Equal(t, []string{"ws://peer-a:7420/sync"}, cfg.Peers)
	assert.Equal(t, 2*time.Second, cfg.AnnounceInterval)
	assert.Equal(t, 25.0, cfg.BackfillRate)
	assert.Equal(t, 30*time.Second, cfg.JoinTimeout, "unset fields keep defaults")
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "identiy: alice\n", "identiy"},
		{"unknown backend", "backend: postgres\n", "unknown backend"},
		{"negative duration", "announce_interval: -1s\n", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolve_FlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "identity: alice\ndb: from-config.db\nbackend: leveldb\n")

	opts := &RootOptions{Format: "text", ConfigPath: path, DB: "from-flag.db"}
	require.NoError(t, opts.resolve(NewRootCommand()))
	assert.Equal(t, "from-flag.db", opts.Config.DB)
	assert.Equal(t, "alice", opts.Config.Identity)
	assert.Equal(t, BackendLevelDB, opts.Config.Backend)
	assert.NotNil(t, opts.Logger)
}
