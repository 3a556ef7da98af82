package webauthnx

import "testing"

func TestResolveRPID(t *testing.T) {
	cases := []struct {
		host, override, want string
	}{
		{"wallet.example.com", "", "wallet.example.com"},
		{"example.com", "example.com", "example.com"},
		{"app.example.com", "example.com", "example.com"},
		{"notexample.com", "example.com", "notexample.com"},
		{"evilexample.com", "example.com", "evilexample.com"},
	}
	for _, c := range cases {
		if got := ResolveRPID(c.host, c.override); got != c.want {
			t.Errorf("ResolveRPID(%q,%q) = %q, want %q", c.host, c.override, got, c.want)
		}
	}
}

func TestDeviceUserHandle(t *testing.T) {
	if got := DeviceUserHandle("alice.testnet", 1); got != "alice.testnet" {
		t.Errorf("device 1 handle = %q", got)
	}
	if got := DeviceUserHandle("alice.testnet", 2); got != "alice.testnet (2)" {
		t.Errorf("device 2 handle = %q", got)
	}
	if got := DeviceUserHandle("alice.testnet", 0); got != "alice.testnet" {
		t.Errorf("device 0 handle should fall back to bare account id, got %q", got)
	}
}
