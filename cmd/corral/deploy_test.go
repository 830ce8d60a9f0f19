package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeployConfirmIsOptIn(t *testing.T) {
	flag := deployCmd.Flags().Lookup("confirm")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}
