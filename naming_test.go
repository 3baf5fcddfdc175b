package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCfargotunnelTarget(t *testing.T) {
	assert.Equal(t, "abc-123.cfargotunnel.com", CfargotunnelTarget("abc-123"))
}

func TestCredentialsFileName(t *testing.T) {
	assert.Equal(t, "abc-123.json", CredentialsFileName("abc-123"))
}

func TestTunnelDisplayNameUsesHostnameWhenPresent(t *testing.T) {
	assert.Equal(t, "cftunnel-app.example.com", TunnelDisplayName("app.example.com"))
}

func TestTunnelDisplayNameFallsBackToRandomSuffix(t *testing.T) {
	name := TunnelDisplayName("")
	assert.Regexp(t, `^cftunnel-[0-9a-f]{8}$`, name)
}

func TestNewTransactionIDIsUnique(t *testing.T) {
	a := NewTransactionID()
	b := NewTransactionID()
	assert.NotEqual(t, a, b)
}
