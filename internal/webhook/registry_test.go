package webhook

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	key := Key{TenantID: "t1", PrincipalID: "buyer-1", EventClass: "delivery_report"}

	if err := r.Put(Destination{URL: "https://a.example/hook", Secret: testSecret, Enabled: true}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := r.Put(Destination{URL: "https://b.example/hook", Secret: testSecret, Enabled: true}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	for _, u := range []string{"https://a.example/hook", "https://b.example/hook", "https://a.example/hook"} {
		if err := r.Subscribe(key, u); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", u, err)
		}
	}
	if err := r.Subscribe(key, "https://missing.example"); !errors.Is(err, ErrDestinationNotFound) {
		t.Errorf("Subscribe(unknown) error = %v", err)
	}

	got, err := r.Lookup(ctx, key)
	if err != nil || len(got) != 2 {
		t.Fatalf("Lookup() = %v, %v; want 2 destinations", got, err)
	}

	if err := r.SetEnabled("https://b.example/hook", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	got, _ = r.Lookup(ctx, key)
	if len(got) != 1 || got[0].URL != "https://a.example/hook" {
		t.Errorf("Lookup() after disable = %v", got)
	}
	d, err := r.Resolve(ctx, "https://b.example/hook")
	if err != nil || d.Enabled {
		t.Errorf("Resolve(disabled) = %+v, %v", d, err)
	}

	// returned secrets are copies
	d.Secret[0] = 'X'
	again, _ := r.Resolve(ctx, "https://b.example/hook")
	if again.Secret[0] == 'X' {
		t.Error("Resolve() leaked the stored secret slice")
	}

	r.Remove("https://a.example/hook")
	if _, err := r.Resolve(ctx, "https://a.example/hook"); !errors.Is(err, ErrDestinationNotFound) {
		t.Errorf("Resolve(removed) error = %v", err)
	}
	if got, _ := r.Lookup(ctx, key); len(got) != 0 {
		t.Errorf("Lookup() after remove = %v", got)
	}
}

func TestMemoryRegistryRejectsInvalid(t *testing.T) {
	r := NewMemoryRegistry()
	tests := []struct {
		name string
		d    Destination
		want error
	}{
		{name: "weak secret", d: Destination{URL: "https://a.example", Secret: []byte("short")}, want: ErrInvalidSecret},
		{name: "relative url", d: Destination{URL: "/hook", Secret: testSecret}, want: ErrInvalidURL},
		{name: "ftp scheme", d: Destination{URL: "ftp://a.example", Secret: testSecret}, want: ErrInvalidURL},
		{name: "garbage", d: Destination{URL: "http://[::1", Secret: testSecret}, want: ErrInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Put(tt.d); !errors.Is(err, tt.want) {
				t.Errorf("Put() error = %v, want %v", err, tt.want)
			}
		})
	}
}

type stubRegistry struct {
	dest Destination
	err  error
}

func (s stubRegistry) Resolve(context.Context, string) (Destination, error) {
	return s.dest, s.err
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	fallback := stubRegistry{dest: Destination{URL: "u", Enabled: true, Secret: []byte("fallback")}}

	tests := []struct {
		name       string
		chain      Chain
		wantSecret string
		wantErr    error
	}{
		{
			name:       "first registry wins",
			chain:      Chain{stubRegistry{dest: Destination{URL: "u", Secret: []byte("primary")}}, fallback},
			wantSecret: "primary",
		},
		{
			name:       "not found falls through",
			chain:      Chain{stubRegistry{err: ErrDestinationNotFound}, nil, fallback},
			wantSecret: "fallback",
		},
		{
			name:    "other errors stop the chain",
			chain:   Chain{stubRegistry{err: errors.New("db down")}, fallback},
			wantErr: errors.New("db down"),
		},
		{
			name:    "nobody knows",
			chain:   Chain{stubRegistry{err: ErrDestinationNotFound}},
			wantErr: ErrDestinationNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.chain.Resolve(ctx, "u")
			if tt.wantErr != nil {
				if err == nil || !strings.Contains(err.Error(), strings.TrimPrefix(tt.wantErr.Error(), "webhook: ")) {
					t.Errorf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || string(d.Secret) != tt.wantSecret {
				t.Errorf("Resolve() = %+v, %v; want secret %s", d, err, tt.wantSecret)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"event_id":    "evt-1",
			"object_type": "media_buy",
			"object_id":   "mb_1",
			"status":      "active",
			"timestamp":   "2025-03-01T10:00:00Z",
		}
	}
	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr bool
	}{
		{name: "minimal", mutate: func(map[string]any) {}},
		{name: "with adjustment", mutate: func(p map[string]any) { p["notification_type"] = "adjusted"; p["is_adjusted"] = true }},
		{name: "missing event_id", mutate: func(p map[string]any) { delete(p, "event_id") }, wantErr: true},
		{name: "empty status", mutate: func(p map[string]any) { p["status"] = "" }, wantErr: true},
		{name: "unknown notification type", mutate: func(p map[string]any) { p["notification_type"] = "weekly" }, wantErr: true},
		{name: "is_adjusted not bool", mutate: func(p map[string]any) { p["is_adjusted"] = "yes" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := ValidatePayload(p)
			if tt.wantErr != errors.Is(err, ErrInvalidPayload) {
				t.Errorf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if err := ValidatePayload(nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("ValidatePayload(nil) error = %v", err)
	}
}
