//go:build property

package vfs

import (
	"path"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/spf13/afero"
)

// TestStoreProperties checks overlay precedence and overlay round trips.
func TestStoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(4242)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	// Property: the overlay wins no matter how overlay and disk writes interleave
	properties.Property("overlay shadows disk regardless of write order", prop.ForAll(
		func(name string, overlayText string, diskTexts []string, overlayFirst bool) bool {
			if name == "" {
				return true
			}
			p := path.Join("/project", name+".js")

			disk := NewFsReader(afero.NewMemMapFs(), nil)
			overlay := NewMemoryReader()
			store := NewStackedReader(overlay, disk)

			writeDisk := func() bool {
				for _, text := range diskTexts {
					if err := afero.WriteFile(disk.fs, p, []byte(text), 0644); err != nil {
						return false
					}
				}
				return true
			}

			if overlayFirst {
				if overlay.UpdateFile(p, overlayText) != nil || !writeDisk() {
					return false
				}
			} else {
				if !writeDisk() || overlay.UpdateFile(p, overlayText) != nil {
					return false
				}
			}

			content, ok, err := ReadFile(store, p)
			return ok && err == nil && content == overlayText
		},
		gen.Identifier(),
		gen.AnyString(),
		gen.SliceOf(gen.AnyString()),
		gen.Bool(),
	))

	// Property: writing then reading the overlay returns the exact text
	properties.Property("overlay round trip", prop.ForAll(
		func(name string, text string) bool {
			if name == "" {
				return true
			}
			overlay := NewMemoryReader()
			p := path.Join("/", name)
			if err := overlay.UpdateFile(p, text); err != nil {
				return false
			}
			content, ok, err := ReadFile(overlay, p)
			return ok && err == nil && content == text
		},
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
