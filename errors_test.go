package tunnel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleErrorWrapsAndUnwraps(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := newLifecycleError(AgentNotAvailable, "agent.create", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, AgentNotAvailable, KindOf(err))
	assert.Contains(t, err.Error(), "agent.create")
	assert.Contains(t, err.Error(), "AGENT_NOT_AVAILABLE")
}

func TestKindOfReturnsEmptyForPlainErrors(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("not classified")))
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := newLifecycleError(DNSConflict, "reconciler.replace", nil)
	wrapped := fmt.Errorf("during rollback: %w", base)
	assert.Equal(t, DNSConflict, KindOf(wrapped))
}
