// Package config layers configuration sources onto a pflag.FlagSet.
//
// Precedence, highest first: flags given on the command line, environment variables
// (PREFIX_FLAG_NAME, optionally loaded from a dotenv file), the YAML file, flag defaults.
// YAML keys are flag names.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	FileFlag    = "config"
	EnvFileFlag = "env-file"
)

// BindFileFlags registers --config and --env-file on fs.
func BindFileFlags(fs *pflag.FlagSet) {
	fs.String(FileFlag, "", "YAML config file; keys are flag names")
	fs.String(EnvFileFlag, "", "dotenv file loaded before environment variables are read")
}

// Resolve applies the environment and the YAML file to every flag not set on the command line.
func Resolve(fs *pflag.FlagSet, envPrefix string) error {
	explicit := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })

	if path, _ := fs.GetString(EnvFileFlag); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	var setErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if setErr != nil || explicit[f.Name] {
			return
		}
		if v, ok := os.LookupEnv(EnvName(envPrefix, f.Name)); ok {
			if err := fs.Set(f.Name, v); err != nil {
				setErr = fmt.Errorf("env %s: %w", EnvName(envPrefix, f.Name), err)
				return
			}
			explicit[f.Name] = true
		}
	})
	if setErr != nil {
		return setErr
	}

	path, _ := fs.GetString(FileFlag)
	if path == "" {
		return nil
	}
	values, err := ReadFile(path)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == FileFlag {
			continue
		}
		if fs.Lookup(k) == nil {
			return fmt.Errorf("config %s: unknown key %q", path, k)
		}
		if explicit[k] {
			continue
		}
		if err := fs.Set(k, values[k]); err != nil {
			return fmt.Errorf("config %s: %s: %w", path, k, err)
		}
	}
	return nil
}

// ReadFile parses a flat YAML mapping into flag-ready string values. Sequences are
// joined with commas.
func ReadFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, len(val))
			for i, p := range val {
				parts[i] = fmt.Sprint(p)
			}
			out[k] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config %s: key %q must be a scalar or a list", path, k)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// EnvName maps a flag name to its environment variable, e.g. drain-timeout -> WEBSOCKIFY_DRAIN_TIMEOUT.
func EnvName(prefix, flag string) string {
	return prefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
