package ipmi

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeIPMITool writes a script that appends its arguments to a log file
// and exits with the given status, printing stderr first.
func fakeIPMITool(t *testing.T, stderr string, status int) (binary, logPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")
	binary = filepath.Join(dir, "ipmitool")
	script := "#!/bin/sh\n" +
		"echo \"$*\" >> " + logPath + "\n" +
		"printf '%s' '" + stderr + "' >&2\n" +
		"exit " + string(rune('0'+status)) + "\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, logPath
}

func readCalls(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestLANTransport_SetNetwork(t *testing.T) {
	binary, logPath := fakeIPMITool(t, "", 0)
	tr := NewLANTransport(binary, 1, 2, zap.NewNop())

	err := tr.Do(context.Background(), "10.0.0.5", configured, Action{
		Kind:    ActionSetNetwork,
		Network: NetworkSettings{Address: "10.0.0.5", Netmask: "255.255.255.0", Gateway: "10.0.0.1"},
	})
	require.NoError(t, err)

	prefix := "-I lanplus -H 10.0.0.5 -U director -P s3cret "
	assert.Equal(t, []string{
		prefix + "lan set 1 ipsrc static",
		prefix + "lan set 1 ipaddr 10.0.0.5",
		prefix + "lan set 1 netmask 255.255.255.0",
		prefix + "lan set 1 defgw ipaddr 10.0.0.1",
	}, readCalls(t, logPath))
}

func TestLANTransport_SetCredentials(t *testing.T) {
	binary, logPath := fakeIPMITool(t, "", 0)
	tr := NewLANTransport(binary, 1, 2, zap.NewNop())

	err := tr.Do(context.Background(), "10.0.0.5", factory, Action{Kind: ActionSetCredentials, Credentials: configured})
	require.NoError(t, err)

	calls := readCalls(t, logPath)
	require.Len(t, calls, 3)
	assert.True(t, strings.HasSuffix(calls[0], "user set name 2 director"))
	assert.True(t, strings.HasSuffix(calls[1], "user set password 2 s3cret"))
	assert.True(t, strings.HasSuffix(calls[2], "user enable 2"))
}

func TestLANTransport_FallsBackToLegacyLAN(t *testing.T) {
	binary, logPath := fakeIPMITool(t, "Unable to establish IPMI v2 / RMCP+ session", 1)
	tr := NewLANTransport(binary, 1, 2, zap.NewNop())

	err := tr.Do(context.Background(), "10.0.0.5", configured, Action{Kind: ActionReset})
	require.Error(t, err)
	assert.Equal(t, OutcomeTimeout, Classify(err).Kind)

	calls := readCalls(t, logPath)
	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[0], "-I lanplus"))
	assert.True(t, strings.HasPrefix(calls[1], "-I lan "))
	assert.True(t, strings.HasSuffix(calls[1], "mc reset cold"))
}

func TestLANTransport_AuthFailureIsRejected(t *testing.T) {
	binary, logPath := fakeIPMITool(t, "RAKP 2 message indicates an error : unauthorized name", 1)
	tr := NewLANTransport(binary, 1, 2, zap.NewNop())

	err := tr.Do(context.Background(), "10.0.0.5", configured, Action{Kind: ActionReset})
	out := Classify(err)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, ReasonAuth, out.Reason)
	assert.Len(t, readCalls(t, logPath), 1)
}

func TestLANTransport_UnknownPowerOp(t *testing.T) {
	tr := NewLANTransport("ipmitool", 1, 2, zap.NewNop())
	err := tr.Do(context.Background(), "10.0.0.5", configured, Action{Kind: ActionPowerControl, Power: "sideways"})
	assert.Equal(t, ReasonUnsupported, Classify(err).Reason)
}

func TestLANTransport_UnreachableSetCredentialsIsRetried(t *testing.T) {
	binary, logPath := fakeIPMITool(t, "Unable to establish IPMI v2 / RMCP+ session", 1)
	e := NewExecutor(NewLANTransport(binary, 1, 2, zap.NewNop()), time.Second, factory, zap.NewNop())

	out := e.Execute(context.Background(), target, Action{Kind: ActionSetCredentials, Credentials: configured})
	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.Empty(t, out.Reason)
	assert.ErrorIs(t, out.Err, ErrUnreachable)

	// lanplus then legacy lan for the password call; no fallback account.
	calls := readCalls(t, logPath)
	require.Len(t, calls, 2)
	assert.True(t, strings.HasSuffix(calls[0], "user set password 2 s3cret"))
}

func TestLANTransport_RefusedSetCredentials(t *testing.T) {
	binary, _ := fakeIPMITool(t, "Set User Password command failed (user 2): Insufficient privilege level", 1)
	tr := NewLANTransport(binary, 1, 2, zap.NewNop())

	err := tr.Do(context.Background(), "10.0.0.5", configured, Action{Kind: ActionSetCredentials, Credentials: configured})
	out := Classify(err)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, ReasonAuth, out.Reason)
}

func TestLANTransport_RedactsPassword(t *testing.T) {
	binary, _ := fakeIPMITool(t, "Unable to establish IPMI v2 / RMCP+ session", 1)
	core, logs := observer.New(zap.DebugLevel)
	tr := NewLANTransport(binary, 1, 2, zap.New(core))

	err := tr.Do(context.Background(), "10.0.0.5", configured, Action{
		Kind:        ActionSetCredentials,
		Credentials: Credentials{Username: "director", Password: "n3w-secret"},
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "n3w-secret")
	assert.Contains(t, err.Error(), "user set password 2 ****")

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			assert.NotContains(t, f.String, "n3w-secret")
		}
	}
}
