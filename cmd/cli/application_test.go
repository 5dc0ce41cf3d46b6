package cli_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracklens/trackaudit/cmd/cli"
)

func TestNewApplicationRegistersSubcommands(testInstance *testing.T) {
	outputBuffer := &bytes.Buffer{}
	application := cli.NewApplication()

	rootCommand := application.RootCommand()
	rootCommand.SetOut(outputBuffer)
	rootCommand.SetErr(outputBuffer)
	rootCommand.SetArgs([]string{"--help"})
	require.NoError(testInstance, rootCommand.Execute())

	helpOutput := outputBuffer.String()
	for _, expectedCommandName := range []string{"audits", "run", "fix", "session"} {
		require.Contains(testInstance, helpOutput, expectedCommandName)
	}
}

func TestApplicationRootCommandShowsHelp(testInstance *testing.T) {
	outputBuffer := &bytes.Buffer{}
	application := cli.NewApplication()

	rootCommand := application.RootCommand()
	rootCommand.SetOut(outputBuffer)
	rootCommand.SetErr(outputBuffer)
	rootCommand.SetArgs([]string{})
	require.NoError(testInstance, rootCommand.Execute())
	require.Contains(testInstance, outputBuffer.String(), "Usage:")
}

func TestApplicationRejectsInvalidLogLevel(testInstance *testing.T) {
	application := cli.NewApplication()

	rootCommand := application.RootCommand()
	rootCommand.SetOut(&bytes.Buffer{})
	rootCommand.SetErr(&bytes.Buffer{})
	rootCommand.SetArgs([]string{"--log-level", "verbose"})
	require.Error(testInstance, rootCommand.Execute())
}
