package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/openmined/treesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func runVersionCmd(t *testing.T, args ...string) string {
	t.Helper()
	cmd := &cobra.Command{Use: "treesync"}
	cmd.AddCommand(newVersionCmd())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"version"}, args...))

	require.NoError(t, cmd.Execute())
	return strings.TrimSpace(out.String())
}

func TestVersionCommand_PrintsDetailedVersion(t *testing.T) {
	require.Equal(t, version.DetailedWithApp(), runVersionCmd(t))
}

func TestVersionCommand_Short(t *testing.T) {
	require.Equal(t, version.Short(), runVersionCmd(t, "--short"))
}
