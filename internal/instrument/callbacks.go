package instrument

import (
	"sort"
	"strings"

	"github.com/conneroisu/isolate/internal/protocol"
)

// Callback is a function-typed prop.
type Callback func(args ...interface{}) interface{}

// WrapCallback returns a callback that emits an fn action for path and then
// calls impl, so side effects land after the action event. impl may be nil.
func WrapCallback(path string, impl Callback, emit Emitter) Callback {
	return func(args ...interface{}) interface{} {
		emit(protocol.Action{Path: path, Type: protocol.ActionFn})
		if impl == nil {
			return nil
		}
		return impl(args...)
	}
}

// WrapProps returns a deep copy of props in which every callback is wrapped.
//
// Callbacks come from three places, in order of precedence: explicit
// implementations keyed by path, callback values already present in props,
// and stand-ins generated for every path in fnPaths that has neither. Paths
// are dot separated ("slot.onClick"); intermediate objects are created as
// needed.
func WrapProps(props map[string]interface{}, fnPaths []string, explicit map[string]Callback, emit Emitter) map[string]interface{} {
	out := wrapMap(props, "", explicit, emit)

	paths := make([]string, 0, len(fnPaths)+len(explicit))
	paths = append(paths, fnPaths...)
	for p := range explicit {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		parent, key := walkTo(out, p)
		if parent == nil {
			continue
		}
		if impl, ok := explicit[p]; ok {
			parent[key] = WrapCallback(p, impl, emit)
			continue
		}
		if _, ok := parent[key].(Callback); !ok {
			parent[key] = WrapCallback(p, nil, emit)
		}
	}
	return out
}

func wrapMap(in map[string]interface{}, prefix string, explicit map[string]Callback, emit Emitter) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		switch value := v.(type) {
		case map[string]interface{}:
			out[k] = wrapMap(value, p, explicit, emit)
		case Callback:
			out[k] = WrapCallback(p, value, emit)
		case func(args ...interface{}) interface{}:
			out[k] = WrapCallback(p, value, emit)
		case func():
			out[k] = WrapCallback(p, func(...interface{}) interface{} { value(); return nil }, emit)
		default:
			out[k] = v
		}
	}
	return out
}

// walkTo returns the map holding the last segment of path, creating
// intermediate maps. It returns nil when a non-map value is in the way.
func walkTo(root map[string]interface{}, path string) (map[string]interface{}, string) {
	segments := strings.Split(path, ".")
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, exists := cur[seg]
		if !exists || next == nil {
			m := map[string]interface{}{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return nil, ""
		}
		cur = m
	}
	return cur, segments[len(segments)-1]
}

// Lookup returns the value at a dot separated path.
func Lookup(props map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = props
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
