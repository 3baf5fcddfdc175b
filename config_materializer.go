package tunnel

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// cloudflaredConfig mirrors the YAML schema cloudflared expects for a named
// tunnel's routing configuration (spec.md §4.2). Field names and the
// marshal/unmarshal shape are carried over directly from the teacher's
// CloudflaredConfig/IngressRule in tunnel.go.
type cloudflaredConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

// ConfigMaterializer writes the cloudflared routing config file atomically
// (spec.md §4.2). Unlike the teacher's TunnelManager, which mutates an
// existing ingress list in place to append one domain at a time, this
// materializer writes the complete ingress list the Coordinator computed
// for one transaction — the Coordinator owns ingress-list composition,
// this component only owns the atomic write.
type ConfigMaterializer struct {
	dir string
	log zerolog.Logger
}

func newConfigMaterializer(cfg Config, log zerolog.Logger) *ConfigMaterializer {
	return &ConfigMaterializer{
		dir: cfg.ConfigDir,
		log: componentLogger(log, "config_materializer"),
	}
}

// configPath returns the per-tunnel config file path. cloudflared supports
// one config.yml per invocation via --config, so each tunnel transaction
// gets its own file keyed by tunnel ID, avoiding the teacher's single
// shared-file assumption (which only ever managed one site's tunnel).
func (m *ConfigMaterializer) configPath(tunnelID string) string {
	return filepath.Join(m.dir, tunnelID+".yml")
}

// write renders cfg to YAML and writes it to a temp file in the same
// directory, then renames over the final path — the teacher's
// temp-then-rename pattern from saveConfig, generalized to per-tunnel
// files and given its own error-cleanup path.
func (m *ConfigMaterializer) write(tunnelID string, hostname, localService string, credentialsFile string) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("materialize config: mkdir %s: %w", m.dir, err)
	}

	cfg := &cloudflaredConfig{
		Tunnel:          tunnelID,
		CredentialsFile: credentialsFile,
		Ingress: []ingressRule{
			{Hostname: hostname, Service: localService},
			{Service: "http_status:404"},
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("marshal cloudflared config: %w", err)
	}
	enc.Close()

	path := m.configPath(tunnelID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write temp config %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename config into place: %w", err)
	}

	m.log.Info().Str("path", path).Str("hostname", hostname).Msg("config written")
	return path, nil
}

// remove deletes a tunnel's config file. Used as the CONFIG_WRITTEN
// compensating action during rollback.
func (m *ConfigMaterializer) remove(tunnelID string) {
	path := m.configPath(tunnelID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str("path", path).Msg("failed to remove config during rollback")
	}
}
