package masking

import "strings"

const maskToken = "****"

var secretKeyMarkers = []string{"token", "secret", "sign", "api_key", "password"}

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
// A key-style prefix such as "dl_live_X1_" is kept readable.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// IsSecretKey reports whether an audit detail key names a credential.
func IsSecretKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, marker := range secretKeyMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

// Details copies audit details, dropping empty keys and masking string values
// stored under credential-like keys. Nested maps are walked.
func Details(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for key, value := range details {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		switch cast := value.(type) {
		case string:
			if IsSecretKey(key) {
				value = MaskSecret(cast)
			}
		case map[string]any:
			value = Details(cast)
		}
		out[key] = value
	}
	return out
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
