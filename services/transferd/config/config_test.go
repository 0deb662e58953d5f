package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agrichain/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transferd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[node]
rpc_url = "http://127.0.0.1:8645"

[database]
dsn = "file:mirror.db"

[[keys]]
identity = "farm.sol"
key_env = "FARM_KEY"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8085", cfg.Listen)
	require.Equal(t, 90*time.Second, cfg.Submit.ReceiptTimeout.Duration)
	require.Equal(t, 30*time.Second, cfg.Recon.RecheckDelay.Duration)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
listen = ":9000"

[node]
rpc_url = "http://127.0.0.1:8645"

[database]
dsn = "file:mirror.db"

[submit]
receipt_timeout = "2m"
poll_interval = "500ms"

[recon]
recheck_delay = "45s"

[[keys]]
identity = "farm.sol"
key_hex = "ab"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, cfg.Submit.ReceiptTimeout.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.Submit.PollInterval.Duration)
	require.Equal(t, 45*time.Second, cfg.Recon.RecheckDelay.Duration)
}

func TestValidateRejectsMissingPieces(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing rpc url", `
[database]
dsn = "file:mirror.db"
[[keys]]
identity = "farm.sol"
key_hex = "ab"
`},
		{"missing database", `
[node]
rpc_url = "http://127.0.0.1:8645"
[[keys]]
identity = "farm.sol"
key_hex = "ab"
`},
		{"no keys", `
[node]
rpc_url = "http://127.0.0.1:8645"
[database]
dsn = "file:mirror.db"
`},
		{"two key sources", `
[node]
rpc_url = "http://127.0.0.1:8645"
[database]
dsn = "file:mirror.db"
[[keys]]
identity = "farm.sol"
key_hex = "ab"
key_env = "FARM_KEY"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestResolveKeyHexSources(t *testing.T) {
	t.Setenv("TEST_FARM_KEY", "deadbeef")
	key := KeyConfig{Identity: "farm.sol", KeyEnv: "TEST_FARM_KEY"}
	hex, err := key.ResolveKeyHex()
	require.NoError(t, err)
	require.Equal(t, "deadbeef", hex)

	file := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(file, []byte("cafebabe\n"), 0o600))
	key = KeyConfig{Identity: "farm.sol", KeyFile: file}
	hex, err = key.ResolveKeyHex()
	require.NoError(t, err)
	require.Equal(t, "cafebabe", hex)
}

func TestDeclaredAddressRoundTrip(t *testing.T) {
	generated, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := generated.PubKey().Address()

	key := KeyConfig{Identity: "farm.sol", Address: crypto.EncodeAddress(addr)}
	declared, pinned, err := key.DeclaredAddress()
	require.NoError(t, err)
	require.True(t, pinned)
	require.Equal(t, addr, declared)

	// No declaration means no pin.
	_, pinned, err = KeyConfig{Identity: "farm.sol"}.DeclaredAddress()
	require.NoError(t, err)
	require.False(t, pinned)

	_, _, err = KeyConfig{Identity: "farm.sol", Address: "agri1notanaddress"}.DeclaredAddress()
	require.Error(t, err)
}

func TestResolveDSNPrefersEnv(t *testing.T) {
	t.Setenv("TEST_MIRROR_DSN", "postgres://mirror")
	cfg := Config{Database: DatabaseConfig{DSN: "file:fallback.db", DSNEnv: "TEST_MIRROR_DSN"}}
	dsn, err := cfg.ResolveDSN()
	require.NoError(t, err)
	require.Equal(t, "postgres://mirror", dsn)
}
