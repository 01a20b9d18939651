package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the JSON shape stored in SSM for provider API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// Token resolves a provider API key stored as {"token":"..."} under name.
// A successful lookup is cached for the process lifetime; failures are retried
// on the next call.
type Token struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

// TokenName returns the parameter holding the API token of provider, e.g.
// "/finance-agent/gemini-token".
func TokenName(prefix, provider string) string {
	return strings.TrimRight(strings.TrimSpace(prefix), "/") + "/" + provider + "-token"
}

func NewToken(g Getter, name string) (*Token, error) {
	if g == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: token parameter name is empty")
	}
	return &Token{getter: g, name: name}, nil
}

func (t *Token) APIKey(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value != "" {
		return t.value, nil
	}

	raw, err := t.getter.GetParameter(ctx, t.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("paramstore: token %q is empty", t.name)
	}
	t.value = strings.TrimSpace(tp.Token)
	return t.value, nil
}
