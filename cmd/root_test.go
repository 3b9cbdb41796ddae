package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hearth/internal/fault"
)

func TestVersionCommand(t *testing.T) {
	// initConfig writes a default config on first run; keep that out of
	// the repository tree.
	t.Chdir(t.TempDir())

	SetVersion("1.2.3-test")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	require.Equal(t, "1.2.3-test\n", out.String())
}

func TestRunCommandFlagDefaults(t *testing.T) {
	require.Equal(t, "classify", runCmd.Flags().Lookup("mode").DefValue)
	require.Equal(t, "default", runCmd.Flags().Lookup("session").DefValue)
	require.Equal(t, "false", runCmd.Flags().Lookup("stream").DefValue)
	require.NotNil(t, runCmd.Flags().Lookup("file"))
}

func TestRequestErrorMapsFaultsToUserMessages(t *testing.T) {
	err := requestError(&fault.Fault{Kind: fault.KindWorkerTerminated, SessionKey: "u1"})
	require.EqualError(t, err, "worker unavailable, please retry")

	err = requestError(&fault.Fault{Kind: fault.KindRequestTimeout})
	require.EqualError(t, err, "request timed out, please retry")

	// Unclassified errors pass through untouched.
	plain := errors.New("flag parse failed")
	require.Same(t, plain, requestError(plain))
}
