package tunnel

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigMaterializerWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ConfigDir: dir}
	m := newConfigMaterializer(cfg, zerolog.Nop())

	path, err := m.write("tunnel-abc", "app.example.com", "http://localhost:8080", "/creds/tunnel-abc.json")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var written cloudflaredConfig
	require.NoError(t, yaml.Unmarshal(data, &written))
	assert.Equal(t, "tunnel-abc", written.Tunnel)
	assert.Equal(t, "/creds/tunnel-abc.json", written.CredentialsFile)
	require.Len(t, written.Ingress, 2)
	assert.Equal(t, "app.example.com", written.Ingress[0].Hostname)
	assert.Equal(t, "http://localhost:8080", written.Ingress[0].Service)
	assert.Equal(t, "http_status:404", written.Ingress[1].Service)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not remain after rename")
}

func TestConfigMaterializerRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ConfigDir: dir}
	m := newConfigMaterializer(cfg, zerolog.Nop())

	m.remove("never-written") // must not panic when the file doesn't exist

	_, err := m.write("tunnel-xyz", "app.example.com", "http://localhost:9090", "/creds/x.json")
	require.NoError(t, err)
	m.remove("tunnel-xyz")
	_, err = os.Stat(m.configPath("tunnel-xyz"))
	assert.True(t, os.IsNotExist(err))
}
