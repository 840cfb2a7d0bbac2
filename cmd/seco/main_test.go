package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/guseggert/seco/control"
	"github.com/guseggert/seco/rendezvous"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// run runs the app, returning the exit code it asked for.
func run(t *testing.T, args ...string) (int, error) {
	code := 0
	origExiter, origErrWriter := cli.OsExiter, cli.ErrWriter
	cli.OsExiter = func(c int) { code = c }
	cli.ErrWriter = &bytes.Buffer{}
	defer func() {
		cli.OsExiter, cli.ErrWriter = origExiter, origErrWriter
	}()
	err := newApp().Run(append([]string{"seco"}, args...))
	return code, err
}

func tempBase(t *testing.T) string {
	base, err := os.MkdirTemp("", "seco")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(base) })
	return base
}

func TestStartAndControl(t *testing.T) {
	base := tempBase(t)
	dir := &rendezvous.Directory{Base: base}

	done := make(chan error, 1)
	go func() {
		done <- newApp().Run([]string{"seco", "--base-dir", base, "--log-level", "error", "start", "--id", "abc", "--http"})
	}()

	client := control.NewClient(dir, control.WithWaitTimeout(10*time.Second))
	code, err := client.Send(context.Background(), "abc", []string{"status"}, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0), code)

	gatewayPath := filepath.Join(base, strconv.Itoa(os.Getpid())+rendezvous.GatewaySuffix)
	require.Eventually(t, func() bool {
		_, err := os.Stat(gatewayPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cases := []struct {
		name    string
		args    []string
		expCode int
	}{
		{name: "set a variable", args: []string{"control", "--id", "abc", "set-var", "x", "1"}, expCode: 0},
		{name: "get it back", args: []string{"control", "get-var", "x"}, expCode: 0},
		{name: "missing variable", args: []string{"control", "--id", "abc", "get-var", "y"}, expCode: 1},
		{name: "usage", args: []string{"control", "--id", "abc"}, expCode: 1},
		{name: "through the gateway", args: []string{"control", "--http", "status"}, expCode: 0},
		{name: "buffered through the gateway", args: []string{"control", "--http", "--buffered", "get-var", "y"}, expCode: 1},
		{name: "buffered needs the gateway", args: []string{"control", "--buffered", "status"}, expCode: 1},
		{name: "unknown instance", args: []string{"control", "--id", "nope", "status"}, expCode: 1},
		{name: "list", args: []string{"list"}, expCode: 0},
		{name: "info", args: []string{"info", "--id", "abc"}, expCode: 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, err := run(t, append([]string{"--base-dir", base, "--log-level", "error"}, c.args...)...)
			assert.Equal(t, c.expCode, code)
			if c.expCode == 0 {
				assert.NoError(t, err)
			}
		})
	}

	code2, err := run(t, "--base-dir", base, "--log-level", "error", "control", "--id", "abc", "exit")
	require.NoError(t, err)
	assert.Zero(t, code2)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for start to return")
	}

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestControlWithoutInstance(t *testing.T) {
	base := tempBase(t)
	code, err := run(t, "--base-dir", base, "--log-level", "error", "control", "status")
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestSettings(t *testing.T) {
	base := tempBase(t)

	_, err := run(t, "--base-dir", base, "--log-level", "loud", "list")
	assert.ErrorContains(t, err, "log_level")

	cfgPath := filepath.Join(base, "seco.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("base_dir: "+base+"\nlog_level: error\n"), 0o600))
	code, err := run(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Zero(t, code)

	_, err = run(t, "--config", filepath.Join(base, "missing.yaml"), "list")
	assert.ErrorIs(t, err, os.ErrNotExist)

	t.Setenv("SECO_LOG_LEVEL", "loud")
	_, err = run(t, "--config", cfgPath, "list")
	assert.ErrorContains(t, err, "log_level")
}
