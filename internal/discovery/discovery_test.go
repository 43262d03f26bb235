package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStop_AnnouncesAndWithdraws(t *testing.T) {
	a, err := Start(Config{Name: "audyn-test", Port: 15004})
	require.NoError(t, err)
	require.NotNil(t, a)

	a.Stop()
	assert.NoError(t, a.LastError())
}

func TestStart_DefaultsNameWhenEmpty(t *testing.T) {
	a, err := Start(Config{Port: 15005})
	require.NoError(t, err)
	a.Stop()
}
