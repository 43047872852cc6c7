package cli

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteRecordArgs(t *testing.T) {
	got, dir := completeRecordArgs(recordCmd, nil, "")
	assert.Len(t, got, 4)
	assert.Equal(t, "create\tAdd a new entity", got[0])
	assert.Equal(t, cobra.ShellCompDirectiveNoFileComp, dir)

	got, _ = completeRecordArgs(recordCmd, []string{"create"}, "")
	assert.Empty(t, got)
}

func TestCompletionCmd_Bash(t *testing.T) {
	var buf bytes.Buffer
	completionCmd.SetOut(&buf)
	t.Cleanup(func() { completionCmd.SetOut(nil) })

	require.NoError(t, completionCmd.RunE(completionCmd, []string{"bash"}))
	assert.Contains(t, buf.String(), "opsync")
}
