package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// propsValue is a --props flag holding a JSON object, given inline or as
// @file.json.
type propsValue struct {
	raw json.RawMessage
}

var _ pflag.Value = (*propsValue)(nil)

func (p *propsValue) String() string { return string(p.raw) }

func (p *propsValue) Type() string { return "json" }

func (p *propsValue) Set(s string) error {
	raw, err := parseProps(s)
	if err != nil {
		return err
	}
	p.raw = raw
	return nil
}

// parseProps reads component props. A leading @ names a file. The result is
// nil for an empty value.
func parseProps(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	data := []byte(s)
	if strings.HasPrefix(s, "@") {
		filename := strings.TrimPrefix(s, "@")
		var err error
		data, err = os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read props file %s: %w", filename, err)
		}
	}

	data = bytes.TrimSpace(data)
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("props must be a JSON object: %w", err)
	}
	return json.RawMessage(data), nil
}

// addServerFlags registers the host server flags on fs and binds them to
// their configuration keys.
func addServerFlags(fs *pflag.FlagSet) {
	fs.IntP("port", "p", 3140, "Port to serve on")
	fs.String("host", "localhost", "Host to bind to")
	fs.StringSlice("allowed-origin", nil, "Origin pattern allowed to connect (repeatable)")

	bindFlags(fs, map[string]string{
		"port":           "server.port",
		"host":           "server.host",
		"allowed-origin": "server.allowed_origins",
	})
}

// addPreviewFlags registers the flags naming what to preview.
func addPreviewFlags(fs *pflag.FlagSet, props *propsValue) {
	fs.StringP("root", "r", ".", "Project root")
	fs.StringP("component", "c", "", "Component to show, as <file>:<name>")
	fs.Var(props, "props", "Component props (JSON or @file.json)")
	fs.StringSlice("callback", nil, "Prop path that receives a recording callback (repeatable)")

	bindFlags(fs, map[string]string{
		"root":      "preview.root",
		"component": "preview.component",
		"callback":  "preview.callbacks",
	})
}

func bindFlags(fs *pflag.FlagSet, bindings map[string]string) {
	for name, key := range bindings {
		if f := fs.Lookup(name); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}
