package relaysync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeCookie renders a cookie as base64url JSON so it survives any
// transport as an opaque string.
func EncodeCookie(c Cookie) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseCookie accepts the base64url form produced by EncodeCookie or the raw
// JSON structure. An empty string yields (nil, nil).
func ParseCookie(raw string) (*Cookie, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	data := []byte(raw)
	if !strings.HasPrefix(raw, "{") {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: cookie encoding: %v", ErrInvalidInput, err)
		}
		data = decoded
	}
	var c Cookie
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: cookie payload: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.ClientID) == "" {
		return nil, fmt.Errorf("%w: cookie missing identity", ErrInvalidInput)
	}
	return &c, nil
}
