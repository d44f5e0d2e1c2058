package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// secretPayload is the JSON shape accepted for secret parameters. Plain
// string values are accepted as well.
type secretPayload struct {
	Token string `json:"token"`
}

// Secret resolves a single parameter on first use and caches it. Failed
// lookups are not cached, so a transient SSM error is retried on the next call.
type Secret struct {
	getter Getter
	name   string

	mu     sync.Mutex
	loaded bool
	value  string
}

func NewSecret(getter Getter, name string) (*Secret, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: secret name must not be empty")
	}
	return &Secret{getter: getter, name: name}, nil
}

func (s *Secret) Name() string {
	return s.name
}

func (s *Secret) Value(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.value, nil
	}

	raw, err := s.getter.GetParameter(ctx, s.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: resolve secret: %w", err)
	}
	v, err := decodeSecret(raw)
	if err != nil {
		return "", fmt.Errorf("paramstore: secret %q: %w", s.name, err)
	}
	s.value = v
	s.loaded = true
	return v, nil
}

func decodeSecret(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var p secretPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return "", fmt.Errorf("unmarshal value as JSON: %w", err)
		}
		raw = strings.TrimSpace(p.Token)
	}
	if raw == "" {
		return "", errors.New("value is empty")
	}
	return raw, nil
}
