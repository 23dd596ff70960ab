package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// LoadOptions selects the files Load reads.
type LoadOptions struct {
	// EnvFiles are .env files applied before the environment is read.
	// Missing files are skipped. Nil means ".env" next to the config file.
	EnvFiles []string
	// Environ overrides os.Environ, for tests.
	Environ []string
}

// Load resolves defaults, the TOML file at path, .env files and DBGMODEL_*
// variables, then validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWith(path, LoadOptions{})
}

// LoadWith is Load with explicit options.
func LoadWith(path string, opts LoadOptions) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{filepath.Join(filepath.Dir(path), ".env")}
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	env, err := readEnv(envFiles, environ)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return decode(path, data, cfg)
}

func decode(source string, data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		pe := &ParseError{Path: source, Message: err.Error(), Err: err}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			pe.Line, pe.Column = de.Position()
		}
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			pe.Message = sme.String()
		}
		return pe
	}
	return nil
}

// readEnv merges .env files under the process environment. Earlier files
// win over later ones, and the environment wins over all of them.
func readEnv(files, environ []string) (map[string]string, error) {
	env := make(map[string]string)
	for i := len(files) - 1; i >= 0; i-- {
		vars, err := godotenv.Read(files[i])
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading env file %s: %w", files[i], err)
		}
		for k, v := range vars {
			env[k] = v
		}
	}
	for k, v := range parseEnviron(environ) {
		env[k] = v
	}
	return env, nil
}

func parseEnviron(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
