package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		val := s.extract(cfg)
		if list, ok := val.([]string); ok {
			val = strings.Join(list, ",")
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", val),
		})
	}
	return result
}

// SetKey validates value against the key's type and writes it to the
// config file.
func SetKey(key, value string) error {
	b, err := newFileBackend(ConfigFilePath())
	if err != nil {
		return err
	}
	return setKey(b, key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		v, err := parseValue(s.typ, value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if s.typ == kInt {
			return b.SetInt(key, v.(int))
		}
		return b.SetString(key, value)
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
