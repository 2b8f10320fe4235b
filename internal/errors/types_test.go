package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreviewErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *PreviewError
		expected string
	}{
		{
			name:     "code and message",
			err:      NewConfigError(ErrCodeConfigInvalid, "port out of range"),
			expected: "[ERR_CONFIG_INVALID] port out of range",
		},
		{
			name: "with location",
			err: NewLoadError(ErrCodeTransform, "App.tsx: Unexpected \"<\" (3:10)", nil).
				WithLocation("src/App.tsx", 3, 10),
			expected: "[ERR_TRANSFORM] src/App.tsx:3:10 App.tsx: Unexpected \"<\" (3:10)",
		},
		{
			name:     "with cause",
			err:      NewTransportError(ErrCodeRealmClosed, "realm closed", errors.New("EOF")),
			expected: "[ERR_REALM_CLOSED] realm closed: EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestClassification(t *testing.T) {
	timeout := NewTimeoutError(ErrCodeRefreshTimeout, "refresh did not complete")
	wrapped := fmt.Errorf("waiting: %w", timeout)

	assert.True(t, IsTimeout(wrapped))
	assert.True(t, IsRecoverable(wrapped))
	assert.False(t, IsTransport(wrapped))

	transport := NewTransportError(ErrCodeRealmClosed, "gone", nil)
	assert.True(t, IsTransport(transport))
	assert.False(t, IsRecoverable(transport))

	assert.False(t, IsRecoverable(errors.New("plain")))
	assert.True(t, errors.Is(wrapped, &PreviewError{Type: ErrorTypeTimeout, Code: ErrCodeRefreshTimeout}))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "plain", Describe(errors.New("plain")))

	unresolved := UnresolvedImport("some-module", "src/App.tsx")
	assert.Equal(t,
		`Failed to resolve import "some-module" from "src/App.tsx". Does the file exist?`,
		Describe(fmt.Errorf("build: %w", unresolved)))

	render := NewRenderError("Button", errors.New(`function "missing" not defined`))
	assert.Equal(t, `Button: function "missing" not defined`, Describe(render))
}

func TestMessageTemplates(t *testing.T) {
	assert.Equal(t,
		"Failed to reload /src/App.tsx. This could be due to syntax errors or importing non-existent modules. (see errors above)",
		ReloadFailed("/src/App.tsx"))
	assert.Equal(t,
		"Failed to fetch dynamically imported module: /src/App.tsx",
		DynamicImportFailed("/src/App.tsx"))
}
