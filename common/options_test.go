package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts := NewOptions()
	assert.Equal(t, string(EngineChromium), opts.Engine.String)
	assert.False(t, opts.Debug.Bool)
	assert.Equal(t, ".*", opts.LogCategoryFilter.String)
	assert.Equal(t, DefaultTimeout, opts.TimeoutDuration())
	assert.Equal(t, DefaultInterceptResolveTimeout, opts.InterceptResolveTimeoutDuration())
	assert.False(t, opts.WSURL.Valid)
	assert.False(t, opts.TracesEndpoint.Valid)
}

func TestOptionsParseJSON(t *testing.T) {
	t.Parallel()

	opts, err := NewOptions().ParseJSON([]byte(`{
		"wsURL": "ws://127.0.0.1:9222/devtools/browser/1",
		"debug": true,
		"timeout": 0,
		"interceptResolveTimeout": 500
	}`))
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/1", opts.WSURL.String)
	assert.True(t, opts.Debug.Bool)
	assert.True(t, opts.Timeout.Valid)
	assert.Zero(t, opts.TimeoutDuration())
	assert.Equal(t, 500*time.Millisecond, opts.InterceptResolveTimeoutDuration())
	// untouched
	assert.Equal(t, string(EngineChromium), opts.Engine.String)

	_, err = NewOptions().ParseJSON([]byte(`{"timeout": "soon"}`))
	require.ErrorContains(t, err, "parsing browser options")
}

func TestOptionsReadEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"K6_BROWSER_WS_URL":                   "ws://browser:9222/devtools/browser/2",
		"K6_BROWSER_ENGINE":                   "firefox",
		"K6_BROWSER_DEBUG":                    "true",
		"K6_BROWSER_LOG_CATEGORY_FILTER":      "cdp",
		"K6_BROWSER_TIMEOUT":                  "1000",
		"K6_BROWSER_INTERCEPT_RESOLVE_TIMEOUT": "250",
		"K6_BROWSER_TRACES_ENDPOINT":          "localhost:4318",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	opts, err := NewOptions().ReadEnvOptions(lookup)
	require.NoError(t, err)

	assert.Equal(t, Options{
		WSURL:                   null.StringFrom("ws://browser:9222/devtools/browser/2"),
		Engine:                  null.StringFrom("firefox"),
		Debug:                   null.BoolFrom(true),
		LogCategoryFilter:       null.StringFrom("cdp"),
		Timeout:                 null.IntFrom(1000),
		InterceptResolveTimeout: null.IntFrom(250),
		TracesEndpoint:          null.StringFrom("localhost:4318"),
	}, opts)

	t.Run("invalid value", func(t *testing.T) {
		t.Parallel()

		_, err := NewOptions().ReadEnvOptions(func(key string) (string, bool) {
			if key == "K6_BROWSER_TIMEOUT" {
				return "forever", true
			}
			return "", false
		})
		require.ErrorContains(t, err, "parsing browser environment options")
	})

	t.Run("nothing set", func(t *testing.T) {
		t.Parallel()

		opts, err := NewOptions().ReadEnvOptions(func(string) (string, bool) { return "", false })
		require.NoError(t, err)
		assert.Equal(t, NewOptions(), opts)
	})
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()

	valid := NewOptions().Apply(Options{WSURL: null.StringFrom("ws://browser")})
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		opts Options
		err  string
	}{
		{"no url", NewOptions(), "missing browser WebSocket URL"},
		{"engine", valid.Apply(Options{Engine: null.StringFrom("webkit")}), `unknown browser engine "webkit"`},
		{"timeout", valid.Apply(Options{Timeout: null.IntFrom(-1)}), "timeout must not be negative"},
		{
			"intercept resolve timeout",
			valid.Apply(Options{InterceptResolveTimeout: null.IntFrom(-1)}),
			"intercept resolve timeout must be positive",
		},
		{
			"zero intercept resolve timeout",
			valid.Apply(Options{InterceptResolveTimeout: null.IntFrom(0)}),
			"intercept resolve timeout must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.opts.Validate()
			require.ErrorIs(t, err, ErrInvalidOptions)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}
