package bridge

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/conneroisu/isolate/internal/errors"
	"github.com/evanw/esbuild/pkg/api"
)

// scriptExtensions are the extensions the bridge probes and transforms.
var scriptExtensions = []string{".js", ".jsx", ".ts", ".tsx"}

// IsScript reports whether ext is a recognized script extension.
func IsScript(ext string) bool {
	for _, e := range scriptExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// LoaderFor picks the esbuild loader for a script extension.
func LoaderFor(ext string) api.Loader {
	switch ext {
	case ".ts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	default:
		return api.LoaderJS
	}
}

// Transform turns source into an ES module. sourceLabel is the project
// relative path shown in diagnostics. Syntax errors come back as a load
// PreviewError carrying the first error's position and line excerpt.
func Transform(source, sourceLabel string, loader api.Loader) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatESModule,
		Sourcefile: sourceLabel,
		LogLevel:   api.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		return "", transformError(sourceLabel, result.Errors)
	}
	return string(result.Code), nil
}

func transformError(sourceLabel string, messages []api.Message) error {
	first := messages[0]
	file := sourceLabel
	line, column := 0, 0
	excerpt := ""
	if loc := first.Location; loc != nil {
		if loc.File != "" {
			file = loc.File
		}
		line = loc.Line
		column = loc.Column + 1
		excerpt = loc.LineText
	}
	file = filepath.ToSlash(file)

	message := fmt.Sprintf("%s: %s (%d:%d)", file, first.Text, line, column)
	if len(messages) > 1 {
		rest := make([]string, 0, len(messages)-1)
		for _, m := range messages[1:] {
			rest = append(rest, m.Text)
		}
		message += "\n" + strings.Join(rest, "\n")
	}

	err := errors.NewLoadError(errors.ErrCodeTransform, message, nil).WithLocation(file, line, column)
	if excerpt != "" {
		err = err.WithContext("excerpt", excerpt)
	}
	return err
}
