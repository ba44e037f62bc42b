package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privrelay/internal/config"
)

func TestDefaultNeedsEnclave(t *testing.T) {
	cfg := config.Default("http://node-a:9080")
	assert.Equal(t, "http://node-a:9080", cfg.Node.PublicURL)
	assert.Equal(t, 1000, cfg.Resend.MaxResults)
	assert.Equal(t, 500, cfg.Recovery.BatchSize)
	assert.Error(t, cfg.Validate())

	cfg.Enclave.Keys = []string{"AQID"}
	assert.NoError(t, cfg.Validate())
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
enclave:
  url: http://enclave:9081
resend:
  max_results: 50
peers:
  - http://node-b:9080
`))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Resend.MaxResults)
	assert.Equal(t, ":9080", cfg.Server.Addr)
	assert.Equal(t, 100, cfg.Recovery.MaxResolvePasses)
	assert.Equal(t, []string{"http://node-b:9080"}, cfg.Peers)
	assert.Equal(t, 5*time.Second, cfg.EnclaveTimeout())
	assert.Equal(t, 10*time.Second, cfg.P2PTimeout())
}

func TestP2PTimeout(t *testing.T) {
	cfg, err := config.FromYAML([]byte("enclave: {keys: [AQID]}\np2p: {timeout: 1500ms}\n"))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.P2PTimeout())

	cfg.P2P.Timeout = ""
	assert.Equal(t, 10*time.Second, cfg.P2PTimeout())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"max results": "enclave: {keys: [AQID]}\nresend: {max_results: 0}\n",
		"bad key":     "enclave: {keys: ['not base64!']}\n",
		"bad peer":    "enclave: {keys: [AQID]}\npeers: ['ftp://x']\n",
		"bad timeout": "enclave: {keys: [AQID], timeout: soon}\n",
		"bad p2p":     "enclave: {keys: [AQID]}\np2p: {timeout: later}\n",
		"bad format":  "enclave: {keys: [AQID]}\nlogging: {format: xml}\n",
		"base path":   "enclave: {keys: [AQID]}\nserver: {base_path: api}\n",
		"bad yaml":    "enclave: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.Error(t, err)

	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Resend.MaxResults)

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("enclave: {keys: [AQID]}\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.StaticKeys(), 1)
}

func TestResolveInterval(t *testing.T) {
	cfg := config.Default("")
	assert.Equal(t, 5*time.Second, cfg.ResolveInterval())
	cfg.Recovery.ResolveInterval = "0"
	assert.Equal(t, time.Duration(0), cfg.ResolveInterval())
}
