package engine

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestFormatAndParseLine(t *testing.T) {
	ts := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	line := FormatLine(ts, "info", "applying", "Provisioning cloud resources...", map[string]any{"resources": float64(3)})
	require.Equal(t, `[2024-07-01T12:00:00.000000] [INFO] [APPLYING] Provisioning cloud resources... - {"resources":3}`, line)

	e := ParseLine(line)
	require.Equal(t, "2024-07-01T12:00:00.000000", e.Timestamp)
	require.Equal(t, "INFO", e.Level)
	require.Equal(t, "applying", e.Phase)
	require.Equal(t, "Provisioning cloud resources...", e.Message)
	require.Equal(t, map[string]any{"resources": float64(3)}, e.Details)
}

func TestParseLineWithoutPhaseOrDetails(t *testing.T) {
	e := ParseLine("[2024-07-01T12:00:00] [ERROR] apply failed - exit status 1")
	require.Equal(t, "ERROR", e.Level)
	require.Empty(t, e.Phase)
	require.Equal(t, "apply failed - exit status 1", e.Message)
	require.Nil(t, e.Details)
}

func TestParseLineFallsBackToRawText(t *testing.T) {
	e := ParseLine("azurerm_resource_group.main: Creating...")
	require.Equal(t, "INFO", e.Level)
	require.Equal(t, "azurerm_resource_group.main: Creating...", e.Message)
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[31m│\x1b[0m \x1b[1mError:\x1b[0m  creating   Storage Account\n\n\n╵ quota exceeded"
	require.Equal(t, "Error: creating Storage Account\n quota exceeded", StripANSI(in))
	require.Equal(t, "", StripANSI(""))
}

func TestProvisionTaskRoundTrip(t *testing.T) {
	run := Run{
		DeploymentID:   "deploy-0123456789ab",
		ProviderType:   "gcp",
		TemplateName:   "gcs-bucket",
		CloudAccountID: "3f1b2c4d-0000-4000-8000-000000000001",
		Parameters:     map[string]any{"bucket_name": "logs-bucket"},
		CredentialMode: CredentialsEnvironment,
	}
	task, err := NewProvisionTask(run)
	require.NoError(t, err)
	require.Equal(t, TypeProvision, task.Type())

	got, err := ParseProvisionTask(task)
	require.NoError(t, err)
	require.Equal(t, run, got)

	_, err = ParseProvisionTask(asynq.NewTask(TypeProvision, []byte(`{"template_name":"x"}`)))
	require.Error(t, err)
}

func TestCallConfigDefaultsToAccount(t *testing.T) {
	require.Equal(t, CredentialsAccount, CallConfig{}.Mode())
	require.Equal(t, CredentialsEnvironment, CallConfig{CredentialMode: CredentialsEnvironment}.Mode())
}
