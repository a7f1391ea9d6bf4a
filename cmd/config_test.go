package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Default(t *testing.T) {
	config, err := LoadConfig()
	require.NoError(t, err)

	// Should have default values
	assert.Equal(t, "", config.MCSDAdmin.FHIRBaseURL)

	// MCSD should have default DirectoryResourceTypes
	expectedResourceTypes := []string{"Organization", "Endpoint", "Location", "HealthcareService", "PractitionerRole", "Practitioner"}
	assert.Equal(t, expectedResourceTypes, config.MCSD.DirectoryResourceTypes)

	// Scheduler (C8) should fall back to its own defaults
	assert.Equal(t, 5*time.Minute, config.Scheduler.TickInterval)
	assert.Equal(t, 4, config.Scheduler.Concurrency)

	// Routing (the downstream HTTP API) has no default sender base URL,
	// which is the deliberate "notification sending not configured" signal
	assert.Equal(t, "", config.Routing.SenderBgZBaseURL)
	assert.Empty(t, config.ProviderURLs)
}

func TestLoadConfig_FromYAML(t *testing.T) {
	// Create config directory and file
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, "config")
	err := os.MkdirAll(configDir, 0755)
	require.NoError(t, err)

	yamlContent := `
mcsd:
  admin:
    "test-org":
      fhirbaseurl: "https://test.example.org/fhir"
  query:
    fhirbaseurl: "http://localhost:9090/fhir"

mcsdadmin:
  fhirbaseurl: "http://localhost:9090/fhir"

scheduler:
  concurrency: 8

routing:
  querydirectorybaseurl: "http://localhost:9090/fhir"
  senderbgzbaseurl: "https://sender.example.org/fhir"
  senderura: "00000007"

providerurls:
  - "https://providers.example.org/directories.json"
`

	configFile := filepath.Join(configDir, "knooppunt.yml")
	err = os.WriteFile(configFile, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// Change to temp directory so config/knooppunt.yml is found
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(originalDir)

	err = os.Chdir(tempDir)
	require.NoError(t, err)

	config, err := LoadConfig()
	require.NoError(t, err)

	// Check loaded values
	assert.Equal(t, "http://localhost:9090/fhir", config.MCSDAdmin.FHIRBaseURL)
	assert.Equal(t, "http://localhost:9090/fhir", config.MCSD.QueryDirectory.FHIRBaseURL)

	// Check map values
	require.Contains(t, config.MCSD.AdministrationDirectories, "test-org")
	assert.Equal(t, "https://test.example.org/fhir", config.MCSD.AdministrationDirectories["test-org"].FHIRBaseURL)

	// C8/routing additions load from YAML alongside the pre-existing keys
	assert.Equal(t, 8, config.Scheduler.Concurrency)
	assert.Equal(t, "https://sender.example.org/fhir", config.Routing.SenderBgZBaseURL)
	assert.Equal(t, "00000007", config.Routing.SenderURA)
	assert.Equal(t, []string{"https://providers.example.org/directories.json"}, config.ProviderURLs)
}

func TestLoadConfig_FromEnvironmentVariables(t *testing.T) {
	// Set environment variables

	t.Setenv("KNPT_MCSDADMIN_FHIRBASEURL", "http://env-test:8080/fhir")

	config, err := LoadConfig()
	require.NoError(t, err)

	// Environment variables should override defaults
	assert.Equal(t, "http://env-test:8080/fhir", config.MCSDAdmin.FHIRBaseURL)
}

func TestLoadConfig_RoutingFromEnvironmentVariables(t *testing.T) {
	t.Setenv("KNPT_ROUTING_SENDERBGZBASEURL", "https://env-sender:8080/fhir")
	t.Setenv("KNPT_ROUTING_SENDERURA", "00000123")
	t.Setenv("KNPT_SCHEDULER_CONCURRENCY", "16")

	config, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://env-sender:8080/fhir", config.Routing.SenderBgZBaseURL)
	assert.Equal(t, "00000123", config.Routing.SenderURA)
	assert.Equal(t, 16, config.Scheduler.Concurrency)
}

func TestLoadConfig_EnvOverridesYAML(t *testing.T) {
	// Create config directory and file
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, "config")
	err := os.MkdirAll(configDir, 0755)
	require.NoError(t, err)

	yamlContent := `
mcsdadmin:
  fhirbaseurl: "http://yaml:8080/fhir"
`

	configFile := filepath.Join(configDir, "knooppunt.yml")
	err = os.WriteFile(configFile, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// Change to temp directory so config/knooppunt.yml is found
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(originalDir)

	err = os.Chdir(tempDir)
	require.NoError(t, err)

	// Set environment variables to override YAML
	t.Setenv("KNPT_MCSDADMIN_FHIRBASEURL", "http://env:8080/fhir")

	config, err := LoadConfig()
	require.NoError(t, err)

	// Environment should override YAML
	assert.Equal(t, "http://env:8080/fhir", config.MCSDAdmin.FHIRBaseURL) // env override
}

func TestLoadConfigFrom_CustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "custom.yml")
	err := os.WriteFile(configFile, []byte("mcsdadmin:\n  fhirbaseurl: \"http://custom-path:8080/fhir\"\n"), 0644)
	require.NoError(t, err)

	config, err := LoadConfigFrom(configFile)
	require.NoError(t, err)
	assert.Equal(t, "http://custom-path:8080/fhir", config.MCSDAdmin.FHIRBaseURL)
}

func TestLoadConfigFrom_MissingFileFallsBackToDefaults(t *testing.T) {
	config, err := LoadConfigFrom(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	require.NoError(t, err)
	assert.Equal(t, "", config.MCSDAdmin.FHIRBaseURL)
}
