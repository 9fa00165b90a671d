package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunWithNoArgsReturnsUsageExitCode(t *testing.T) {
	require.Equal(t, exitUsage, run(context.Background(), nil))
}

func TestRunWithUnknownCommandReturnsUsageExitCode(t *testing.T) {
	require.Equal(t, exitUsage, run(context.Background(), []string{"bogus"}))
}

func TestRunHelpReturnsOK(t *testing.T) {
	require.Equal(t, exitOK, run(context.Background(), []string{"help"}))
}

func TestRunMigrateWithNoSubcommandReturnsUsageExitCode(t *testing.T) {
	require.Equal(t, exitUsage, run(context.Background(), []string{"migrate"}))
}

func TestRunQueueWithUnknownSubcommandReturnsUsageExitCode(t *testing.T) {
	require.Equal(t, exitUsage, run(context.Background(), []string{"queue", "bogus"}))
}
