package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	strerr "github.com/strutframework/strut/internal/runtime/errors"
)

// DefaultEnvPrefix is the prefix for environment-variable overrides.
// STRUT__SERVICE__HTTP__PORT=8080 sets service.http.port.
const DefaultEnvPrefix = "STRUT"

// envPathSeparator separates key-path segments inside an env var name.
// A single underscore within a segment maps to "-" in the config key.
const envPathSeparator = "__"

// Provider supplies overrides fetched from an external source, for example
// a secrets manager. Provider values take precedence over every other
// layer.
type Provider interface {
	// Name identifies the provider in error messages.
	Name() string
	// Fetch returns a nested key/value tree to merge over the resolved
	// config.
	Fetch(ctx context.Context) (map[string]any, error)
}

// Options controls Load. The zero value reads from "config/" with the
// DefaultEnvPrefix and the process environment.
type Options struct {
	// ConfigDir is the directory holding config documents. Defaults to
	// "config". A missing directory is not an error.
	ConfigDir string
	// Environment selects the environment layer. When empty it is taken
	// from <prefix>__ENVIRONMENT, falling back to "development".
	Environment string
	// EnvPrefix overrides DefaultEnvPrefix.
	EnvPrefix string
	// Environ overrides the process environment, mainly for tests. Each
	// entry is "KEY=value".
	Environ []string
	// Overrides is a nested tree merged over files and env vars.
	Overrides map[string]any
	// Provider, when set, is fetched last and merged with the highest
	// precedence.
	Provider Provider
}

// Load resolves the configuration tree from all layers, decodes it into an
// AppConfig, and validates it.
func Load(ctx context.Context, opts Options) (*AppConfig, error) {
	dir := opts.ConfigDir
	if dir == "" {
		dir = "config"
	}
	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	env := opts.Environment
	if env == "" {
		env = environFromVars(environ, prefix)
	}
	if env == "" {
		env = "development"
	}

	merged := map[string]any{}

	for _, name := range []string{"default", env} {
		layer, err := loadFileLayer(dir, name)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, layer)

		layer, err = loadDirLayer(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		deepMerge(merged, layer)
	}

	deepMerge(merged, envLayer(environ, prefix))

	if opts.Overrides != nil {
		deepMerge(merged, opts.Overrides)
	}

	if opts.Provider != nil {
		layer, err := opts.Provider.Fetch(ctx)
		if err != nil {
			return nil, &strerr.ConfigError{Source: opts.Provider.Name(), Err: err}
		}
		deepMerge(merged, layer)
	}

	cfg := Default()
	cfg.Environment = env
	if err := decodeInto(merged, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &strerr.ConfigError{Source: "validation", Err: err}
	}
	return cfg, nil
}

// loadFileLayer reads <dir>/<name>.toml or <dir>/<name>.yaml (or .yml).
// Both a toml and a yaml document with the same stem is an error.
func loadFileLayer(dir, name string) (map[string]any, error) {
	var (
		layer map[string]any
		found string
	)
	for _, ext := range []string{".toml", ".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, &strerr.ConfigError{Source: path, Err: err}
		}
		if found != "" {
			return nil, &strerr.ConfigError{
				Source: path,
				Err:    fmt.Errorf("conflicts with %s, keep one document per layer", found),
			}
		}
		parsed, err := parseDocument(path, data)
		if err != nil {
			return nil, err
		}
		layer, found = parsed, path
	}
	if layer == nil {
		layer = map[string]any{}
	}
	return layer, nil
}

// loadDirLayer merges every document in dir in lexicographic filename
// order. A missing directory yields an empty layer.
func loadDirLayer(dir string) (map[string]any, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, &strerr.ConfigError{Source: dir, Err: err}
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".toml", ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	layer := map[string]any{}
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &strerr.ConfigError{Source: path, Err: err}
		}
		parsed, err := parseDocument(path, data)
		if err != nil {
			return nil, err
		}
		deepMerge(layer, parsed)
	}
	return layer, nil
}

func parseDocument(path string, data []byte) (map[string]any, error) {
	out := map[string]any{}
	var err error
	switch filepath.Ext(path) {
	case ".toml":
		err = toml.Unmarshal(data, &out)
	default:
		err = yaml.Unmarshal(data, &out)
	}
	if err != nil {
		return nil, &strerr.ConfigError{Source: path, Err: err}
	}
	return normalizeKeys(out), nil
}

// envLayer converts matching environment variables into a nested tree.
// <prefix>__SERVICE__WORKER__NUM_WORKERS=8 becomes
// service.worker.num-workers = 8. Values are parsed as YAML scalars so
// numbers and booleans keep their types.
func envLayer(environ []string, prefix string) map[string]any {
	full := prefix + envPathSeparator
	layer := map[string]any{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, full) {
			continue
		}
		segments := strings.Split(strings.TrimPrefix(key, full), envPathSeparator)
		node := layer
		for i, segment := range segments {
			configKey := strings.ReplaceAll(strings.ToLower(segment), "_", "-")
			if i == len(segments)-1 {
				node[configKey] = parseScalar(value)
				break
			}
			child, ok := node[configKey].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[configKey] = child
			}
			node = child
		}
	}
	return layer
}

func environFromVars(environ []string, prefix string) string {
	target := prefix + envPathSeparator + "ENVIRONMENT="
	for _, kv := range environ {
		if strings.HasPrefix(kv, target) {
			return strings.TrimPrefix(kv, target)
		}
	}
	return ""
}

// parseScalar interprets an env var value as a YAML scalar so "8080" is an
// int and "true" a bool, while values that are not valid scalars stay
// strings.
func parseScalar(value string) any {
	var out any
	if err := yaml.Unmarshal([]byte(value), &out); err != nil {
		return value
	}
	switch out.(type) {
	case map[string]any, []any:
		// Structured env values are kept verbatim.
		return value
	}
	return out
}

// deepMerge merges src into dst. Tables merge recursively, everything else
// (scalars and arrays) is replaced by the higher-precedence value.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		srcTable, srcIsTable := value.(map[string]any)
		dstTable, dstIsTable := dst[key].(map[string]any)
		if srcIsTable && dstIsTable {
			deepMerge(dstTable, srcTable)
			continue
		}
		if srcIsTable {
			// Copy so later merges cannot mutate the source layer.
			clone := map[string]any{}
			deepMerge(clone, srcTable)
			dst[key] = clone
			continue
		}
		dst[key] = value
	}
}

// normalizeKeys rewrites map[any]any nodes (produced by some decoders) and
// nested tables into map[string]any so layers merge uniformly.
func normalizeKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return normalizeKeys(typed)
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			out[fmt.Sprint(key)] = normalizeValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, nested := range typed {
			out[i] = normalizeValue(nested)
		}
		return out
	default:
		return value
	}
}

// decodeInto re-encodes the merged tree as YAML and decodes it over the
// defaults, so yaml tags and custom unmarshalers apply to every source
// format.
func decodeInto(merged map[string]any, cfg *AppConfig) error {
	data, err := yaml.Marshal(merged)
	if err != nil {
		return &strerr.ConfigError{Source: "merge", Err: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &strerr.ConfigError{Source: "merge", Err: err}
	}
	return nil
}
