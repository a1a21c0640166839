package config

import (
	"strings"
)

// secretKeys lists the dot-separated keys whose values should be masked.
var secretKeys = map[string]bool{
	"llm.api_key":       true,
	"brave.api_key":     true,
	"storage.redis_url": true,
	"storage.mongo_uri": true,
}

// IsSecretKey returns true if the given dot-separated key is a secret.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten converts a nested map into a flat map with dot-separated keys,
// so {"llm": {"provider": "openai"}} becomes {"llm.provider": "openai"}.
// Empty nested maps produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten is the inverse of Flatten. A scalar sitting where a nested
// key needs a map is replaced by the map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for i, part := range parts {
			if i == len(parts)-1 {
				current[part] = v
			} else {
				next, ok := current[part]
				if !ok {
					next = make(map[string]any)
					current[part] = next
				}
				m, ok := next.(map[string]any)
				if !ok {
					m = make(map[string]any)
					current[part] = m
				}
				current = m
			}
		}
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret values shown as
// "***" plus their last four characters. Empty values are left empty.
// Connection URLs are masked because they usually embed credentials.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			out[k] = mask(s)
		}
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
