package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLogger(t *testing.T) {
	require.NoError(t, configureLogger("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	assert.Error(t, configureLogger("loud", "text"))
	assert.Error(t, configureLogger("info", "xml"))
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "send"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestSendRejectsBadArguments(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"--log-level", "error", "send", "127.0.0.1", "not-a-port", "hi"})
	assert.Error(t, root.Execute())

	root = newRootCommand()
	root.SetArgs([]string{"--log-level", "error", "send", "127.0.0.1"})
	assert.Error(t, root.Execute())
}
