package utils_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tracklens/trackaudit/internal/utils"
)

const (
	testEnvironmentPrefixConstant     = "TESTTRACKAUDIT"
	testLogLevelKeyConstant           = "common.log_level"
	testDefaultLogLevelConstant       = "info"
	testConfiguredLogLevelConstant    = "debug"
	testOverriddenLogLevelConstant    = "error"
	testFileLogLevelConstant          = "warn"
	testConfigFileNameConstant        = "config.yaml"
	testConfigContentTemplateConstant = "common:\n  log_level: %s\n"
	testConfigurationNameConstant     = "config"
	testConfigurationTypeConstant     = "yaml"
	subtestNameTemplateConstant       = "%d_%s"
)

type configurationFixture struct {
	Common configurationCommonFixture `mapstructure:"common"`
}

type configurationCommonFixture struct {
	LogLevel string `mapstructure:"log_level"`
}

func TestConfigurationLoaderLoadConfiguration(testInstance *testing.T) {
	testCases := []struct {
		name                string
		embeddedLogLevel    string
		fileLogLevel        string
		environmentLogLevel string
		expectedLogLevel    string
	}{
		{
			name:             "embedded configuration merges",
			embeddedLogLevel: testConfiguredLogLevelConstant,
			expectedLogLevel: testConfiguredLogLevelConstant,
		},
		{
			name:             "defaults are applied",
			embeddedLogLevel: testDefaultLogLevelConstant,
			expectedLogLevel: testDefaultLogLevelConstant,
		},
		{
			name:             "config file overrides defaults",
			embeddedLogLevel: testDefaultLogLevelConstant,
			fileLogLevel:     testConfiguredLogLevelConstant,
			expectedLogLevel: testConfiguredLogLevelConstant,
		},
		{
			name:                "environment overrides file",
			embeddedLogLevel:    testDefaultLogLevelConstant,
			fileLogLevel:        testFileLogLevelConstant,
			environmentLogLevel: testOverriddenLogLevelConstant,
			expectedLogLevel:    testOverriddenLogLevelConstant,
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(subtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			tempDirectory := testInstance.TempDir()
			configurationFilePath := ""
			if len(testCase.fileLogLevel) > 0 {
				configurationFilePath = filepath.Join(tempDirectory, testConfigFileNameConstant)
				configurationContent := fmt.Sprintf(testConfigContentTemplateConstant, testCase.fileLogLevel)
				writeError := os.WriteFile(configurationFilePath, []byte(configurationContent), 0o600)
				require.NoError(testInstance, writeError)
			}

			if len(testCase.environmentLogLevel) > 0 {
				environmentVariableName := fmt.Sprintf("%s_%s", testEnvironmentPrefixConstant, strings.ToUpper(strings.ReplaceAll(testLogLevelKeyConstant, ".", "_")))
				testInstance.Setenv(environmentVariableName, testCase.environmentLogLevel)
			}

			configurationLoader := utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, []string{tempDirectory})
			configurationLoader.SetEmbeddedConfiguration([]byte(fmt.Sprintf(testConfigContentTemplateConstant, testCase.embeddedLogLevel)), testConfigurationTypeConstant)

			defaultValues := map[string]any{
				testLogLevelKeyConstant: testDefaultLogLevelConstant,
			}

			loadedConfiguration := configurationFixture{}
			metadata, loadError := configurationLoader.LoadConfiguration(configurationFilePath, defaultValues, &loadedConfiguration)
			require.NoError(testInstance, loadError)
			require.Equal(testInstance, testCase.expectedLogLevel, loadedConfiguration.Common.LogLevel)

			if len(configurationFilePath) > 0 {
				require.Equal(testInstance, configurationFilePath, metadata.ConfigFileUsed)
			} else {
				require.Empty(testInstance, metadata.ConfigFileUsed)
			}
		})
	}
}

type platformConfigurationFixture struct {
	Platforms map[string]platformSettingsFixture `mapstructure:"platforms"`
}

type platformSettingsFixture struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func TestConfigurationLoaderDecodesDurations(testInstance *testing.T) {
	tempDirectory := testInstance.TempDir()
	configurationFilePath := filepath.Join(tempDirectory, testConfigFileNameConstant)
	configurationContent := "platforms:\n  analytics:\n    base_url: https://analytics.example.com\n    timeout: 45s\n"
	writeError := os.WriteFile(configurationFilePath, []byte(configurationContent), 0o600)
	require.NoError(testInstance, writeError)

	configurationLoader := utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, []string{tempDirectory})

	loadedConfiguration := platformConfigurationFixture{}
	_, loadError := configurationLoader.LoadConfiguration(configurationFilePath, nil, &loadedConfiguration)
	require.NoError(testInstance, loadError)

	analyticsSettings := loadedConfiguration.Platforms["analytics"]
	require.Equal(testInstance, "https://analytics.example.com", analyticsSettings.BaseURL)
	require.Equal(testInstance, 45*time.Second, analyticsSettings.Timeout)
}
