package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsUnknownFormat(t *testing.T) {
	_, err := Init("info", "xml")
	require.Error(t, err)

	_, err = Init("loud", "json")
	require.Error(t, err)
}

func TestDeploymentScopedLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(nil) })

	Deployment("deploy-0123456789ab").Info("phase changed", zap.String("phase", "planning"))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "deploy-0123456789ab", entries[0].ContextMap()["deployment_id"])
	require.Equal(t, "planning", entries[0].ContextMap()["phase"])
}
