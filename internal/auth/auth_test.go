package auth

import (
	"testing"
)

func TestNewStoreModeSelection(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		tokenMap map[string]string
		wantMode Mode
		wantErr  bool
	}{
		{
			name:     "single token",
			token:    "tok-abc",
			wantMode: ModeSingle,
		},
		{
			name:     "token map",
			tokenMap: map[string]string{"alice": "tok-a", "bob": "tok-b"},
			wantMode: ModeMulti,
		},
		{
			name:    "both supplied",
			token:   "tok-abc",
			tokenMap: map[string]string{"alice": "tok-a"},
			wantErr: true,
		},
		{
			name:    "neither supplied",
			wantErr: true,
		},
		{
			name:     "map with only empty entries",
			tokenMap: map[string]string{"alice": "", "": "tok-x"},
			wantErr:  true,
		},
		{
			name:     "duplicate secrets across labels",
			tokenMap: map[string]string{"alice": "same", "bob": "same"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.token, tt.tokenMap)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if store.Mode() != tt.wantMode {
				t.Fatalf("Mode() = %q, want %q", store.Mode(), tt.wantMode)
			}
		})
	}
}

func TestMatchSingleMode(t *testing.T) {
	store, err := NewStore("tok-abc", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	outcome := store.Match("tok-abc")
	if !outcome.Matched {
		t.Fatal("expected valid token to match")
	}
	if outcome.RoutingKey != SingletonKey {
		t.Fatalf("RoutingKey = %q, want %q", outcome.RoutingKey, SingletonKey)
	}

	for _, bad := range []string{"", "tok-abd", "tok-ab", "tok-abcd", "completely-different"} {
		if got := store.Match(bad); got.Matched {
			t.Fatalf("expected %q not to match", bad)
		}
	}
}

func TestMatchMultiModeRoutingKeys(t *testing.T) {
	store, err := NewStore("", map[string]string{"alice": "tok-a", "bob": "tok-b"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	a1 := store.Match("tok-a")
	a2 := store.Match("tok-a")
	b := store.Match("tok-b")

	if !a1.Matched || !b.Matched {
		t.Fatal("expected both credentials to match")
	}
	if a1.RoutingKey != a2.RoutingKey {
		t.Fatalf("same credential produced different routing keys: %q vs %q", a1.RoutingKey, a2.RoutingKey)
	}
	if a1.RoutingKey == b.RoutingKey {
		t.Fatal("distinct credentials must produce distinct routing keys")
	}
	if a1.RoutingKey == "tok-a" || b.RoutingKey == "tok-b" {
		t.Fatal("routing key must never be the raw secret")
	}
	if len(a1.RoutingKey) != fingerprintLen {
		t.Fatalf("routing key length = %d, want %d", len(a1.RoutingKey), fingerprintLen)
	}
}

func TestFingerprintStableAcrossStores(t *testing.T) {
	// Routing must survive process restarts: the fingerprint is a pure
	// function of the secret.
	if Fingerprint("tok-a") != Fingerprint("tok-a") {
		t.Fatal("fingerprint not deterministic")
	}
	if Fingerprint("tok-a") == Fingerprint("tok-b") {
		t.Fatal("fingerprints of distinct secrets collided")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{name: "well formed", header: "Bearer tok-abc", want: "tok-abc", wantOK: true},
		{name: "lowercase scheme", header: "bearer tok-abc", want: "tok-abc", wantOK: true},
		{name: "missing", header: "", wantOK: false},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantOK: false},
		{name: "scheme only", header: "Bearer", wantOK: false},
		{name: "scheme with blank token", header: "Bearer   ", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := BearerToken(tt.header)
			if ok != tt.wantOK {
				t.Fatalf("BearerToken(%q) ok = %v, want %v", tt.header, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Fatalf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestConstantTimeEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want bool
	}{
		{name: "equal", a: []byte{1, 2, 3}, b: []byte{1, 2, 3}, want: true},
		{name: "first byte differs", a: []byte{0, 2, 3}, b: []byte{1, 2, 3}, want: false},
		{name: "last byte differs", a: []byte{1, 2, 3}, b: []byte{1, 2, 4}, want: false},
		{name: "length differs", a: []byte{1, 2, 3}, b: []byte{1, 2, 3, 4}, want: false},
		{name: "both empty", a: nil, b: nil, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := constantTimeEqual(tt.a, tt.b); got != tt.want {
				t.Fatalf("constantTimeEqual = %v, want %v", got, tt.want)
			}
		})
	}
}
