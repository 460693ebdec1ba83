package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
)

var (
	ErrDestinationNotFound = errors.New("webhook: destination not found")
	ErrDestinationDisabled = errors.New("webhook: destination disabled")
	ErrInvalidURL          = errors.New("webhook: invalid destination url")
)

// Destination is a delivery target as the endpoint registry describes it.
type Destination struct {
	URL     string
	Secret  []byte
	Enabled bool
}

// Key identifies a logical notification stream.
type Key struct {
	TenantID    string
	PrincipalID string
	EventClass  string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.PrincipalID + "/" + k.EventClass
}

// Registry resolves a destination URL to its current secret and enablement.
// The engine calls Resolve before every attempt so rotated secrets and
// disabled endpoints take effect between retries.
type Registry interface {
	Resolve(ctx context.Context, url string) (Destination, error)
}

// Directory additionally maps a logical key to its subscribed destinations.
type Directory interface {
	Registry
	Lookup(ctx context.Context, key Key) ([]Destination, error)
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// ValidateDestination rejects destinations that could never be delivered to.
func ValidateDestination(d Destination) error {
	if err := ValidateURL(d.URL); err != nil {
		return err
	}
	if len(d.Secret) < MinSecretLength {
		return ErrInvalidSecret
	}
	return nil
}

// MemoryRegistry is an in-process Directory.
type MemoryRegistry struct {
	mu           sync.RWMutex
	destinations map[string]Destination
	subs         map[Key][]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		destinations: make(map[string]Destination),
		subs:         make(map[Key][]string),
	}
}

// Put registers or replaces a destination. Weak secrets are rejected here so
// they never reach the signer.
func (r *MemoryRegistry) Put(d Destination) error {
	if err := ValidateDestination(d); err != nil {
		return err
	}
	d.Secret = slices.Clone(d.Secret)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[d.URL] = d
	return nil
}

// Subscribe attaches a registered destination to a key.
func (r *MemoryRegistry) Subscribe(key Key, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.destinations[url]; !ok {
		return fmt.Errorf("%w: %s", ErrDestinationNotFound, url)
	}
	if !slices.Contains(r.subs[key], url) {
		r.subs[key] = append(r.subs[key], url)
	}
	return nil
}

// SetEnabled toggles a destination.
func (r *MemoryRegistry) SetEnabled(url string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.destinations[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDestinationNotFound, url)
	}
	d.Enabled = enabled
	r.destinations[url] = d
	return nil
}

// Remove deletes a destination and its subscriptions.
func (r *MemoryRegistry) Remove(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.destinations, url)
	for k, urls := range r.subs {
		r.subs[k] = slices.DeleteFunc(urls, func(u string) bool { return u == url })
	}
}

func (r *MemoryRegistry) Resolve(_ context.Context, url string) (Destination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.destinations[url]
	if !ok {
		return Destination{}, fmt.Errorf("%w: %s", ErrDestinationNotFound, url)
	}
	d.Secret = slices.Clone(d.Secret)
	return d, nil
}

// Lookup returns the enabled destinations subscribed to key.
func (r *MemoryRegistry) Lookup(_ context.Context, key Key) ([]Destination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Destination
	for _, url := range r.subs[key] {
		d, ok := r.destinations[url]
		if !ok || !d.Enabled {
			continue
		}
		d.Secret = slices.Clone(d.Secret)
		out = append(out, d)
	}
	return out, nil
}

// Chain resolves through each registry in order, moving on only when a
// registry does not know the URL.
type Chain []Registry

func (c Chain) Resolve(ctx context.Context, url string) (Destination, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		d, err := r.Resolve(ctx, url)
		if errors.Is(err, ErrDestinationNotFound) {
			continue
		}
		return d, err
	}
	return Destination{}, fmt.Errorf("%w: %s", ErrDestinationNotFound, url)
}
