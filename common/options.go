/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
)

// Options configure how the protocol core connects to and drives a
// browser. Every field may be set in JSON or through its K6_BROWSER_*
// environment variable. Durations are in milliseconds.
type Options struct {
	WSURL             null.String `json:"wsURL" envconfig:"K6_BROWSER_WS_URL"`
	Engine            null.String `json:"engine" envconfig:"K6_BROWSER_ENGINE"`
	Debug             null.Bool   `json:"debug" envconfig:"K6_BROWSER_DEBUG"`
	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"K6_BROWSER_LOG_CATEGORY_FILTER"`
	// Default timeout of waits that do not get one. 0 waits indefinitely.
	Timeout null.Int `json:"timeout" envconfig:"K6_BROWSER_TIMEOUT"`
	// How long an intercepted request waits for its interceptors. It must
	// be positive.
	InterceptResolveTimeout null.Int `json:"interceptResolveTimeout" envconfig:"K6_BROWSER_INTERCEPT_RESOLVE_TIMEOUT"`
	// OTLP over HTTP endpoint spans are sent to. Tracing is off when empty.
	TracesEndpoint null.String `json:"tracesEndpoint" envconfig:"K6_BROWSER_TRACES_ENDPOINT"`
}

// NewOptions returns the default options.
func NewOptions() Options {
	return Options{
		Engine:                  null.NewString(string(EngineChromium), false),
		Debug:                   null.NewBool(false, false),
		LogCategoryFilter:       null.NewString(".*", false),
		Timeout:                 null.NewInt(DefaultTimeout.Milliseconds(), false),
		InterceptResolveTimeout: null.NewInt(DefaultInterceptResolveTimeout.Milliseconds(), false),
	}
}

// Apply overrides the options with the valid fields of opts.
func (o Options) Apply(opts Options) Options {
	if opts.WSURL.Valid {
		o.WSURL = opts.WSURL
	}
	if opts.Engine.Valid && opts.Engine.String != "" {
		o.Engine = opts.Engine
	}
	if opts.Debug.Valid {
		o.Debug = opts.Debug
	}
	if opts.LogCategoryFilter.Valid && opts.LogCategoryFilter.String != "" {
		o.LogCategoryFilter = opts.LogCategoryFilter
	}
	if opts.Timeout.Valid {
		o.Timeout = opts.Timeout
	}
	if opts.InterceptResolveTimeout.Valid {
		o.InterceptResolveTimeout = opts.InterceptResolveTimeout
	}
	if opts.TracesEndpoint.Valid {
		o.TracesEndpoint = opts.TracesEndpoint
	}
	return o
}

// ParseJSON applies the options encoded in data on top of o.
func (o Options) ParseJSON(data []byte) (Options, error) {
	var parsed Options
	if err := json.Unmarshal(data, &parsed); err != nil {
		return o, fmt.Errorf("parsing browser options: %w", err)
	}
	return o.Apply(parsed), nil
}

// ReadEnvOptions applies the K6_BROWSER_* variables found with lookup on
// top of o.
func (o Options) ReadEnvOptions(lookup func(key string) (string, bool)) (Options, error) {
	var env Options
	if err := envconfig.Process("", &env, lookup); err != nil {
		return o, fmt.Errorf("parsing browser environment options: %w", err)
	}
	return o.Apply(env), nil
}

// Validate reports options the core cannot work with.
func (o Options) Validate() error {
	if !o.WSURL.Valid || o.WSURL.String == "" {
		return fmt.Errorf("%w: missing browser WebSocket URL (K6_BROWSER_WS_URL)", ErrInvalidOptions)
	}
	switch Engine(o.Engine.String) {
	case EngineChromium, EngineFirefox, "":
	default:
		return fmt.Errorf("%w: unknown browser engine %q", ErrInvalidOptions, o.Engine.String)
	}
	if o.Timeout.Int64 < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidOptions)
	}
	if o.InterceptResolveTimeout.Int64 <= 0 {
		return fmt.Errorf("%w: intercept resolve timeout must be positive", ErrInvalidOptions)
	}
	return nil
}

// TimeoutDuration returns Timeout as a duration.
func (o Options) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout.Int64) * time.Millisecond
}

// InterceptResolveTimeoutDuration returns InterceptResolveTimeout as a
// duration.
func (o Options) InterceptResolveTimeoutDuration() time.Duration {
	return time.Duration(o.InterceptResolveTimeout.Int64) * time.Millisecond
}
