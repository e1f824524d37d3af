package config

import (
	"net/url"
	"strings"
)

// maskers hide the sensitive part of a value, by dot-separated key.
var maskers = map[string]func(string) string{
	"identity.secret_key": maskSuffix,
	"store.redis_addr":    redactURL,
	"relays":              redactURL,
}

// IsSecretKey reports whether values under key are masked for display.
func IsSecretKey(key string) bool {
	_, ok := maskers[key]
	return ok
}

// MaskValue returns v masked for display if key holds a secret. Lists are
// masked element by element; empty strings stay empty.
func MaskValue(key string, v any) any {
	mask, ok := maskers[key]
	if !ok {
		return v
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return val
		}
		return mask(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = MaskValue(key, e)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, e := range val {
			out[i] = mask(e)
		}
		return out
	}
	return v
}

// maskSuffix keeps the last four characters: "***ab3a".
func maskSuffix(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}

// redactURL hides the password of an address like redis://u:pw@host:6379
// or wss://u:pw@relay.example. A bare host:port carries no credentials and
// is returned as-is.
func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	if _, has := u.User.Password(); !has {
		return s
	}
	return u.Redacted()
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"store": {"backend": "bolt"}} becomes {"store.backend": "bolt"}.
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
		switch child := v.(type) {
		case map[string]any:
			flatten(key, child, out)
		default:
			out[key] = v
		}
	}
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
// For example, {"store.backend": "bolt"} becomes {"store": {"backend": "bolt"}}.
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

// MaskSecrets returns a copy of the flat map with every secret value
// passed through MaskValue.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = MaskValue(k, v)
	}
	return out
}
