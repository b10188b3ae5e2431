// Package endpoint holds the user-editable settings for the remote
// image-understanding endpoint.
package endpoint

import (
	"fmt"
	"strings"
	"sync"
)

// Transport selects how the live request body is encoded.
type Transport string

const (
	TransportJSON Transport = "json"
	TransportForm Transport = "form"
)

// ParseTransport maps user input onto a Transport. Empty input means JSON.
func ParseTransport(value string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "json":
		return TransportJSON, nil
	case "form", "formdata", "form-data", "multipart":
		return TransportForm, nil
	default:
		return "", fmt.Errorf("unknown transport %q", value)
	}
}

// Config is the process-wide endpoint configuration.
type Config struct {
	URL       string    `json:"url"`
	Transport Transport `json:"transport"`
	Mock      bool      `json:"mock"`
	// Token is a static bearer token placeholder forwarded to the endpoint.
	Token string `json:"-"`
}

// Configured reports whether a live endpoint URL is set.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.URL) != ""
}

// Store guards a Config for concurrent readers and writers.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore creates a store seeded with initial.
func NewStore(initial Config) *Store {
	return &Store{cfg: normalize(initial)}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the configuration.
func (s *Store) Set(cfg Config) {
	s.mu.Lock()
	s.cfg = normalize(cfg)
	s.mu.Unlock()
}

// Update applies fn to the current configuration atomically and returns the result.
func (s *Store) Update(fn func(*Config)) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	fn(&next)
	s.cfg = normalize(next)
	return s.cfg
}

func normalize(cfg Config) Config {
	cfg.URL = strings.TrimSpace(cfg.URL)
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Transport == "" {
		cfg.Transport = TransportJSON
	}
	return cfg
}
