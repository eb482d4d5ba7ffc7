package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ConfigBackend abstracts config storage.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetStrings(key string) (val []string, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
}

// fileBackend stores config as nested YAML, one section per key prefix
// ("storage.backend" lives under "storage:").
type fileBackend struct {
	path string
	v    *viper.Viper
}

func newFileBackend(path string) (*fileBackend, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return &fileBackend{path: path, v: v}, nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	if !b.v.IsSet(key) {
		return "", false, nil
	}
	return b.v.GetString(key), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	if !b.v.IsSet(key) {
		return 0, false, nil
	}
	raw := b.v.GetString(key)
	i := b.v.GetInt(key)
	if i == 0 && strings.TrimSpace(raw) != "0" {
		return 0, false, fmt.Errorf("value %q is not an integer", raw)
	}
	return i, true, nil
}

// GetStrings accepts either a YAML list or a comma-separated string.
func (b *fileBackend) GetStrings(key string) ([]string, bool, error) {
	if !b.v.IsSet(key) {
		return nil, false, nil
	}
	switch raw := b.v.Get(key).(type) {
	case string:
		return splitList(raw), true, nil
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("expected a list, got %T", raw)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.v.Set(key, val)
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.v.Set(key, val)
	return b.save()
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := b.v.WriteConfigAs(b.path); err != nil {
		return fmt.Errorf("writing config file %s: %w", b.path, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
