package instrument

import (
	"net/url"

	"github.com/conneroisu/isolate/internal/protocol"
)

// InterceptNavigation reports an attempted navigation to href as a url
// action and tells the caller to suppress it. The target is resolved against
// base and normalized, so "https://example.com" becomes
// "https://example.com/". The return value is always true.
func InterceptNavigation(href, base string, emit Emitter) bool {
	emit(protocol.Action{Path: NormalizeURL(href, base), Type: protocol.ActionURL})
	return true
}

// NormalizeURL resolves href against base. Unparsable input comes back as is.
func NormalizeURL(href, base string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base != "" {
		if b, err := url.Parse(base); err == nil {
			ref = b.ResolveReference(ref)
		}
	}
	if ref.Host != "" && ref.Path == "" && ref.Opaque == "" {
		ref.Path = "/"
	}
	return ref.String()
}
