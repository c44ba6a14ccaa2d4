package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSPIFFESourceFailsFastWithoutAgent(t *testing.T) {
	_, err := NewSPIFFESource("unix:///tmp/huskar-test-no-such-spire-agent.sock", "spiffe://example.org/huskar")
	require.Error(t, err)
}
