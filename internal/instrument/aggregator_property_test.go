//go:build property

package instrument

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/conneroisu/isolate/internal/protocol"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestAggregatorProperties validates burst counting
func TestAggregatorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	// Property: N rapid invocations give one entry labelled (xN) while the raw
	// stream keeps all N actions
	properties.Property("rapid invocations collapse into one entry", prop.ForAll(
		func(path string, n int, gapMs int) bool {
			mock := clock.NewMock()
			agg := NewAggregator(AggregatorOptions{Window: time.Second, Display: 3 * time.Second, Clock: mock})
			defer agg.Stop()

			raw := 0
			emit := func(ev protocol.Event) {
				raw++
				agg.Observe(ev)
			}
			wrapped := WrapProps(nil, []string{path}, nil, emit)
			cb := wrapped[path].(Callback)

			for i := 0; i < n; i++ {
				cb()
				mock.Add(time.Duration(gapMs) * time.Millisecond)
			}

			labels := agg.Labels()
			if len(labels) != 1 || raw != n {
				return false
			}
			if n == 1 {
				return labels[0] == "Function prop invoked: "+path
			}
			return labels[0] == fmt.Sprintf("Function prop invoked: %s (x%d)", path, n)
		},
		gen.Identifier(),
		gen.IntRange(1, 50),
		gen.IntRange(0, 40),
	))

	// Property: distinct paths never share an entry
	properties.Property("distinct paths aggregate independently", prop.ForAll(
		func(a, b int) bool {
			agg := NewAggregator(AggregatorOptions{Clock: clock.NewMock()})
			defer agg.Stop()
			for i := 0; i < a; i++ {
				agg.Observe(protocol.Action{Path: "onClick-a", Type: protocol.ActionFn})
			}
			for i := 0; i < b; i++ {
				agg.Observe(protocol.Action{Path: "onClick-b", Type: protocol.ActionFn})
			}
			visible := agg.Visible()
			return len(visible) == 2 && visible[0].Count == a && visible[1].Count == b
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
