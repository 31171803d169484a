package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/browsercore/common"
	"github.com/liuxd6825/browsercore/log"
)

func browserOptionFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.String("ws-url", "", "WebSocket URL of the browser DevTools endpoint")
	flags.String("engine", string(common.EngineChromium), "browser engine, chromium or firefox")
	flags.Bool("debug", false, "log the protocol traffic")
	flags.String("log-category-filter", ".*", "regular expression the categories of the logged lines must match")
	flags.Int64("timeout", common.DefaultTimeout.Milliseconds(),
		"default timeout of waits in milliseconds, 0 waits indefinitely")
	flags.Int64("intercept-resolve-timeout", common.DefaultInterceptResolveTimeout.Milliseconds(),
		"how long intercepted requests wait for their interceptors in milliseconds")
	flags.String("traces-endpoint", "", "OTLP over HTTP endpoint, e.g. http://localhost:4318/v1/traces")
	return flags
}

// getBrowserOptions returns the options set on the command line. Flags
// left alone are not valid, so they don't override other sources.
func getBrowserOptions(flags *pflag.FlagSet) common.Options {
	return common.Options{
		WSURL:                   getNullString(flags, "ws-url"),
		Engine:                  getNullString(flags, "engine"),
		Debug:                   getNullBool(flags, "debug"),
		LogCategoryFilter:       getNullString(flags, "log-category-filter"),
		Timeout:                 getNullInt64(flags, "timeout"),
		InterceptResolveTimeout: getNullInt64(flags, "intercept-resolve-timeout"),
		TracesEndpoint:          getNullString(flags, "traces-endpoint"),
	}
}

// readDiskConfig reads the YAML (or JSON) config file. A missing file is
// only an error when its path was set explicitly.
func readDiskConfig(gs *globalState) (common.Options, error) {
	path := gs.flags.configFilePath

	data, err := afero.ReadFile(gs.fs, path)
	if errors.Is(err, fs.ErrNotExist) && path == gs.defaultFlags.configFilePath {
		return common.Options{}, nil
	}
	if err != nil {
		return common.Options{}, fmt.Errorf("couldn't load the configuration from %q: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return common.Options{}, fmt.Errorf("couldn't parse the configuration from %q: %w", path, err)
	}
	if raw == nil {
		return common.Options{}, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return common.Options{}, fmt.Errorf("couldn't parse the configuration from %q: %w", path, err)
	}

	return common.Options{}.ParseJSON(buf)
}

// getConsolidatedOptions combines, from lowest to highest priority, the
// defaults, the config file, the environment and the command line flags.
func getConsolidatedOptions(gs *globalState, flags *pflag.FlagSet) (common.Options, error) {
	fileOpts, err := readDiskConfig(gs)
	if err != nil {
		return common.Options{}, err
	}

	opts, err := common.NewOptions().Apply(fileOpts).ReadEnvOptions(gs.lookupEnv)
	if err != nil {
		return common.Options{}, err
	}
	opts = opts.Apply(getBrowserOptions(flags))

	return opts, opts.Validate()
}

// connectBrowser connects to the browser configured through flags and the
// other configuration sources.
func connectBrowser(gs *globalState, flags *pflag.FlagSet) (*common.Browser, error) {
	opts, err := getConsolidatedOptions(gs, flags)
	if err != nil {
		return nil, err
	}

	logger, err := log.NewWithFilter(gs.logger, opts.Debug.Bool, opts.LogCategoryFilter.String)
	if err != nil {
		return nil, err
	}

	return common.NewBrowser(gs.ctx, opts, logger)
}

// TODO: refactor the CLI config so these functions aren't needed - they
// can mask errors by failing only at runtime, not at compile time
func getNullBool(flags *pflag.FlagSet, key string) null.Bool {
	v, err := flags.GetBool(key)
	if err != nil {
		panic(err)
	}
	return null.NewBool(v, flags.Changed(key))
}

func getNullInt64(flags *pflag.FlagSet, key string) null.Int {
	v, err := flags.GetInt64(key)
	if err != nil {
		panic(err)
	}
	return null.NewInt(v, flags.Changed(key))
}

func getNullString(flags *pflag.FlagSet, key string) null.String {
	v, err := flags.GetString(key)
	if err != nil {
		panic(err)
	}
	return null.NewString(v, flags.Changed(key))
}
