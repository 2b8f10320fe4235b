package bundler

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	
	"github.com/conneroisu/isolate/internal/bridge"
	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	cssImport  = regexp.MustCompile(`@import\s+(?:url\(\s*)?["']?([^"')\s;]+)["']?\s*\)?`)
	partialRef = regexp.MustCompile(`{{-?\s*template\s+"([^"]+)"`)
)

// imports lists what a module pulls in. Optional imports may legitimately
// be missing, e.g. a template partial defined inline.
type imports struct {
	required []string
	optional []string
}

// scanImports extracts import specifiers from a loaded module by file kind.
// Script code is the transformed ES module.
func scanImports(file, code string) (imports, error) {
	ext := strings.ToLower(filepath.Ext(file))
	switch {
	case bridge.IsScript(ext):
		specs, err := scriptImports(file, code)
		if err != nil {
			return imports{}, err
		}
		return imports{required: dedupe(specs)}, nil
	case ext == ".css":
		return imports{required: dedupe(matches(code, cssImport))}, nil
	case ext == ".html" || ext == ".gohtml":
		return scanMarkup(code, ext == ".gohtml"), nil
	default:
		return imports{}, nil
	}
}

// importsPlugin marks every import external, so the build never touches
// the file system and the metafile lists specifiers exactly as written.
var importsPlugin = api.Plugin{
	Name: "isolate-imports",
	Setup: func(build api.PluginBuild) {
		build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
			return api.OnResolveResult{Path: args.Path, External: true}, nil
		})
	},
}

type metafile struct {
	Inputs map[string]struct {
		Imports []struct {
			Path string `json:"path"`
			Kind string `json:"kind"`
		} `json:"imports"`
	} `json:"inputs"`
}

var scriptImportKinds = map[string]bool{
	"import-statement": true,
	"dynamic-import":   true,
	"require-call":     true,
}

// scriptImports lists the static, dynamic and require imports of a script
// in source order, using an esbuild build over the module alone.
func scriptImports(file, code string) ([]string, error) {
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   code,
			Sourcefile: filepath.ToSlash(file),
			Loader:     api.LoaderJS,
		},
		Bundle:   true,
		Write:    false,
		Metafile: true,
		Format:   api.FormatESModule,
		Platform: api.PlatformNeutral,
		LogLevel: api.LogLevelSilent,
		Plugins:  []api.Plugin{importsPlugin},
	})
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("failed to scan imports of %s: %s", filepath.ToSlash(file), result.Errors[0].Text)
	}

	var meta metafile
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("failed to read import metadata of %s: %w", filepath.ToSlash(file), err)
	}
	var specs []string
	for _, input := range meta.Inputs {
		for _, imp := range input.Imports {
			if scriptImportKinds[imp.Kind] {
				specs = append(specs, imp.Path)
			}
		}
	}
	return specs, nil
}

func matches(code string, patterns ...*regexp.Regexp) []string {
	var out []string
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(code, -1) {
			out = append(out, m[1])
		}
	}
	return out
}

// scanMarkup collects stylesheet links, script sources and image sources.
// Other links (icons, preloads) are optional. Template partials of .gohtml
// modules are optional imports of sibling files named after the partial.
func scanMarkup(code string, template bool) imports {
	var found imports
	z := html.NewTokenizer(strings.NewReader(code))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		var key string
		optional := false
		switch tok.DataAtom {
		case atom.Link:
			key = "href"
			rel, _ := tokenAttr(tok, "rel")
			optional = !strings.Contains(strings.ToLower(rel), "stylesheet")
		case atom.Script, atom.Img:
			key = "src"
		default:
			continue
		}
		for _, a := range tok.Attr {
			if a.Key != key || !isLocalRef(a.Val) {
				continue
			}
			if optional {
				found.optional = append(found.optional, a.Val)
			} else {
				found.required = append(found.required, a.Val)
			}
		}
	}

	if template {
		for _, name := range matches(code, partialRef) {
			found.optional = append(found.optional, "./"+name+".gohtml")
		}
	}

	found.required = dedupe(found.required)
	found.optional = dedupe(found.optional)
	return found
}

func tokenAttr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// isLocalRef rejects URLs, fragments and template expressions.
func isLocalRef(ref string) bool {
	switch {
	case ref == "", strings.HasPrefix(ref, "#"), strings.Contains(ref, "{{"):
		return false
	case isExternal(ref):
		return false
	}
	return true
}

func isExternal(spec string) bool {
	if strings.HasPrefix(spec, "//") || strings.HasPrefix(spec, "data:") {
		return true
	}
	i := strings.Index(spec, "://")
	return i > 0 && !strings.ContainsAny(spec[:i], "/.")
}

func isBare(spec string) bool {
	return !strings.HasPrefix(spec, ".") && !strings.HasPrefix(spec, "/") && !filepath.IsAbs(spec)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
