package llm

import (
	"context"
	"errors"
	"fmt"
)

// MultiClient routes requests to a provider by model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	resolve  func(model string) string
	fallback Client
}

// NewMultiClient creates a router. resolve maps models not added with
// AddModel to a provider name and may be nil.
func NewMultiClient(fallback Client, resolve func(model string) string) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		resolve:  resolve,
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

func (m *MultiClient) clientFor(model string) Client {
	provider, ok := m.models[model]
	if !ok && m.resolve != nil {
		provider = m.resolve(model)
	}
	if client, ok := m.clients[provider]; ok {
		return client
	}
	return m.fallback
}

// ChatStream implements Client.
func (m *MultiClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*Response, error) {
	client := m.clientFor(req.Model)
	if client == nil {
		return nil, &Error{
			Class:    ClassInvalidRequest,
			Provider: "router",
			Err:      fmt.Errorf("no provider configured for model %q", req.Model),
		}
	}
	return client.ChatStream(ctx, req, callback)
}

// Ping checks every registered provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.clients) == 0 && m.fallback == nil {
		return errors.New("no providers configured")
	}
	var errs []error
	for name, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// PingProvider checks one provider by name.
func (m *MultiClient) PingProvider(ctx context.Context, name string) error {
	c, ok := m.clients[name]
	if !ok {
		return fmt.Errorf("provider %q not configured", name)
	}
	return c.Ping(ctx)
}

// Providers returns the registered provider names.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}
