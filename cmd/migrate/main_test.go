package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandListsSubcommands(t *testing.T) {
	root := newRootCmd("postgres://localhost/test")
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"up", "down", "goto", "status"} {
		assert.True(t, names[want], want)
	}

	flag := root.PersistentFlags().Lookup("database-url")
	require.NotNil(t, flag)
	assert.Equal(t, "postgres://localhost/test", flag.DefValue)
}

func TestDownRejectsNonPositiveSteps(t *testing.T) {
	root := newRootCmd("postgres://localhost/test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"down", "--steps", "0"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--steps must be positive")
}

func TestGotoRejectsBadVersion(t *testing.T) {
	root := newRootCmd("postgres://localhost/test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"goto", "latest"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version")
}
