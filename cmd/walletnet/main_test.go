package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"status", "tx", "broadcast", "fee", "watch", "serve"})
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"network": "dogecoin"}`), 0o600))

	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "--env-file", "", "status"})
	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "network")
}

func TestSetupLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	setupLogger("debug")
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	setupLogger("bogus")
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
