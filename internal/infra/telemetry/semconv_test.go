package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderAttributesCarryEnvironment(t *testing.T) {
	SetEnvironment("Staging")
	t.Cleanup(func() { SetEnvironment("") })

	attrs := OrderAttributes("acct", "paper", "AAPL", "")
	require.Len(t, attrs, 4)
	require.Equal(t, AttrEnvironment, attrs[0].Key)
	require.Equal(t, "staging", attrs[0].Value.AsString())
	require.Equal(t, "AAPL", attrs[3].Value.AsString())
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())
}
