package saga

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const keyDelimiter = ":"

// IdempotencyKey derives the stable message key of a step of a saga:
// base64url(sagaID) + ":" + STEP. The encoded saga ID never contains the
// delimiter, so keys of different sagas cannot collide.
func IdempotencyKey(sagaID string, step Step) (string, error) {
	if strings.TrimSpace(sagaID) == "" {
		return "", fmt.Errorf("%w: saga id must not be blank", ErrInvalidArgument)
	}
	parsed, err := ParseStep(string(step))
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString([]byte(sagaID))
	return encoded + keyDelimiter + string(parsed), nil
}

// ParseIdempotencyKey is the inverse of IdempotencyKey
func ParseIdempotencyKey(key string) (string, Step, error) {
	idx := strings.LastIndex(key, keyDelimiter)
	if idx <= 0 {
		return "", "", fmt.Errorf("%w: malformed message key %q", ErrInvalidArgument, key)
	}

	raw, err := base64.RawURLEncoding.DecodeString(key[:idx])
	if err != nil {
		return "", "", fmt.Errorf("%w: malformed message key %q", ErrInvalidArgument, key)
	}

	step, err := ParseStep(key[idx+1:])
	if err != nil {
		return "", "", err
	}
	return string(raw), step, nil
}
