package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conneroisu/isolate/internal/config"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldDir) })
}

func TestInitCommand(t *testing.T) {
	chdir(t, t.TempDir())
	initForce = false
	t.Cleanup(func() { initForce = false })

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)

	require.NoError(t, runInit(c, nil))
	assert.FileExists(t, config.DefaultFileName)
	assert.Contains(t, out.String(), config.DefaultFileName)

	err := runInit(c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	initForce = true
	require.NoError(t, runInit(c, nil))

	require.NoError(t, runInit(c, []string{"custom.yml"}))
	assert.FileExists(t, "custom.yml")
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("server.port", 4000)

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	require.NoError(t, runConfig(c, nil))

	assert.Contains(t, out.String(), "port: 4000")
	assert.Contains(t, out.String(), "window: 1s")
	assert.Contains(t, out.String(), "display: 3s")
}

func TestVersionCommand(t *testing.T) {
	t.Cleanup(func() {
		versionFormat = "text"
		versionShort = false
	})

	tests := []struct {
		name    string
		format  string
		short   bool
		check   func(t *testing.T, out string)
		wantErr bool
	}{
		{
			name:   "text",
			format: "text",
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "Version: ")
				assert.Contains(t, out, "Platform: ")
			},
		},
		{
			name:   "short",
			format: "text",
			short:  true,
			check: func(t *testing.T, out string) {
				assert.Equal(t, 1, strings.Count(out, "\n"))
			},
		},
		{
			name:   "json",
			format: "json",
			check: func(t *testing.T, out string) {
				var decoded map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(out), &decoded))
				assert.Contains(t, decoded, "version")
			},
		},
		{name: "unknown", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			versionFormat, versionShort = tt.format, tt.short
			var out bytes.Buffer
			c := &cobra.Command{}
			c.SetOut(&out)

			err := runVersionCommand(c, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, out.String())
		})
	}
}

func TestParseProps(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "props.json")
	require.NoError(t, os.WriteFile(file, []byte(" {\"label\": \"Hi\"}\n"), 0644))

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", in: "", want: ""},
		{name: "inline", in: `{"n": 1}`, want: `{"n": 1}`},
		{name: "file", in: "@" + file, want: `{"label": "Hi"}`},
		{name: "missing file", in: "@" + filepath.Join(dir, "nope.json"), wantErr: true},
		{name: "not an object", in: `[1, 2]`, wantErr: true},
		{name: "invalid", in: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProps(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestPropsFlag(t *testing.T) {
	var p propsValue
	require.NoError(t, p.Set(`{"a": true}`))
	assert.Equal(t, `{"a": true}`, p.String())
	assert.Equal(t, "json", p.Type())
	assert.Error(t, p.Set("nope"))
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "loud"
	_, err := newLogger(cfg, io.Discard)
	assert.Error(t, err)
}

func TestServeShowsComponentInSandbox(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Hello.gohtml"), []byte(`<p id="hello">Hello</p>`), 0644))

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Preview.Root = dir
	cfg.Preview.Component = "Hello.gohtml:Hello"
	cfg.Watch.Debounce = 20 * time.Millisecond
	cfg.Watch.WriteSpacing = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, logging.Discard(), nil, true, func(addr string) { addrCh <- addr })
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start listening")
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), `isolate_events_total{kind="rendering-done"} 1`)
	}, 10*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "Hello.gohtml:Hello", health["component"])
	assert.Equal(t, false, health["build_failed"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
