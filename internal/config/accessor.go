package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path, for example
// "sync.tickIntervalSeconds". Accounts are addressed by index or by id:
// "accounts.0.enabled" and "accounts.+15550001.enabled" are equivalent.
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	parent, key, err := locate(tree, path)
	if err != nil {
		return nil, err
	}
	return parent[key], nil
}

// SetByPath replaces an existing config value. The string form is converted
// to the type of the value it replaces; unknown keys are rejected.
func SetByPath(cfg *Config, path string, value string) error {
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}
	parent, key, err := locate(tree, path)
	if err != nil {
		return err
	}

	converted, err := convertLike(parent[key], value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[key] = converted

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return err
	}
	*cfg = updated
	return nil
}

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// locate walks to the object holding the last path segment.
func locate(tree map[string]any, path string) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	if path == "" || len(parts) < 2 {
		return nil, "", fmt.Errorf("path must name a field inside a section: %q", path)
	}

	var current any = tree
	for i, part := range parts[:len(parts)-1] {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, "", fmt.Errorf("key not found: %s", strings.Join(parts[:i+1], "."))
			}
			current = next
		case []any:
			elem, err := element(v, part)
			if err != nil {
				return nil, "", err
			}
			current = elem
		default:
			return nil, "", fmt.Errorf("cannot traverse into %T at %s", current, part)
		}
	}

	parent, ok := current.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("cannot traverse into %T at %s", current, parts[len(parts)-1])
	}
	last := parts[len(parts)-1]
	if _, ok := parent[last]; !ok {
		return nil, "", fmt.Errorf("key not found: %s", path)
	}
	return parent, last, nil
}

// element picks a list entry by index or, for objects with an "id", by id.
func element(list []any, key string) (any, error) {
	if idx, err := strconv.Atoi(key); err == nil && !strings.HasPrefix(key, "+") {
		if idx < 0 || idx >= len(list) {
			return nil, fmt.Errorf("index out of range: %s", key)
		}
		return list[idx], nil
	}
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok && obj["id"] == key {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("no entry with id %s", key)
}

func convertLike(current any, value string) (any, error) {
	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", value)
		}
		return b, nil
	case float64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", value)
		}
		return n, nil
	case string, nil:
		return value, nil
	default:
		return nil, fmt.Errorf("cannot set a %T value from the command line", current)
	}
}

// Sanitize returns a copy of the config with account tokens masked.
func Sanitize(cfg *Config) *Config {
	masked := *cfg
	masked.Accounts = make([]AccountConfig, len(cfg.Accounts))
	for i, acc := range cfg.Accounts {
		if acc.Token != "" {
			acc.Token = maskString(acc.Token)
		}
		masked.Accounts[i] = acc
	}
	return &masked
}

func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
