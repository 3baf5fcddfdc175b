package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver returns a scripted sequence of results, one per call,
// repeating the last entry once exhausted — enough to drive the verifier's
// round-based quorum loop deterministically.
type fakeResolver struct {
	results []error
	calls   int
}

func (f *fakeResolver) lookupCNAME(ctx context.Context, hostname string) (string, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	if f.results[i] != nil {
		return "", f.results[i]
	}
	return hostname, nil
}

func newTestVerifier(resolvers []resolver) *PropagationVerifier {
	return &PropagationVerifier{
		resolvers:    resolvers,
		log:          zerolog.Nop(),
		maxRounds:    3,
		retryBase:    time.Millisecond,
		httpsTimeout: 10 * time.Millisecond,
		httpClient:   &http.Client{Timeout: 10 * time.Millisecond},
	}
}

func TestVerifySucceedsWithImmediateQuorum(t *testing.T) {
	v := newTestVerifier([]resolver{
		&fakeResolver{results: []error{nil}},
		&fakeResolver{results: []error{nil}},
		&fakeResolver{results: []error{fmt.Errorf("nxdomain")}},
	})
	err := v.verify(context.Background(), "app.example.com")
	require.NoError(t, err)
}

func TestVerifyFailsWithoutQuorum(t *testing.T) {
	v := newTestVerifier([]resolver{
		&fakeResolver{results: []error{fmt.Errorf("nxdomain")}},
		&fakeResolver{results: []error{fmt.Errorf("nxdomain")}},
		&fakeResolver{results: []error{nil}},
	})
	err := v.verify(context.Background(), "app.example.com")
	require.Error(t, err)
	assert.Equal(t, DNSPropagationFailed, KindOf(err))
}

func TestVerifyReachesQuorumOnLaterRound(t *testing.T) {
	v := newTestVerifier([]resolver{
		&fakeResolver{results: []error{fmt.Errorf("not yet"), nil}},
		&fakeResolver{results: []error{nil}},
		&fakeResolver{results: []error{fmt.Errorf("not yet"), fmt.Errorf("not yet"), nil}},
	})
	err := v.verify(context.Background(), "app.example.com")
	require.NoError(t, err)
}
