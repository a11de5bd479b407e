package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-cache/internal/config"
)

type fakeRunner struct {
	ran bool
	err error
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rendercache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func stubBuild(t *testing.T, r *fakeRunner, buildErr error) *config.Config {
	t.Helper()
	var got config.Config
	prev := buildApp
	buildApp = func(_ context.Context, cfg config.Config) (runner, error) {
		got = cfg
		if buildErr != nil {
			return nil, buildErr
		}
		return r, nil
	}
	t.Cleanup(func() { buildApp = prev })
	return &got
}

func TestServeLoadsConfigAndRuns(t *testing.T) {
	path := writeConfig(t, "origin:\n  url: https://shop.example.com\nserver:\n  proxy_port: 8181\n")
	r := &fakeRunner{}
	got := stubBuild(t, r, nil)

	_, err := execute(t, "serve", "--config", path)
	require.NoError(t, err)
	assert.True(t, r.ran)
	assert.Equal(t, "https://shop.example.com", got.Origin.URL)
	assert.Equal(t, 8181, got.Server.ProxyPort)
}

func TestServeTreatsCancellationAsCleanExit(t *testing.T) {
	path := writeConfig(t, "origin:\n  url: https://shop.example.com\n")
	stubBuild(t, &fakeRunner{err: context.Canceled}, nil)

	_, err := execute(t, "serve", "--config", path)
	require.NoError(t, err)
}

func TestServeReportsFailures(t *testing.T) {
	path := writeConfig(t, "origin:\n  url: https://shop.example.com\n")

	stubBuild(t, nil, errors.New("no chrome"))
	_, err := execute(t, "serve", "--config", path)
	require.ErrorContains(t, err, "no chrome")

	stubBuild(t, &fakeRunner{err: errors.New("listen: address in use")}, nil)
	_, err = execute(t, "serve", "--config", path)
	require.ErrorContains(t, err, "address in use")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "origin:\n  url: not-a-url\n")
	r := &fakeRunner{}
	stubBuild(t, r, nil)

	_, err := execute(t, "serve", "--config", path)
	require.ErrorContains(t, err, "origin.url")
	assert.False(t, r.ran)
}

func TestValidatePrintsSummary(t *testing.T) {
	path := writeConfig(t, "origin:\n  url: https://shop.example.com\ncache:\n  backend: memory\nqueue:\n  enabled: true\n")

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")
	assert.Contains(t, out, "origin:   https://shop.example.com")
	assert.Contains(t, out, "backlog:  memory")
}
