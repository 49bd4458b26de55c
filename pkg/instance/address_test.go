package instance

import "testing"

func TestResolveAddressInvalidPort(t *testing.T) {
	tests := []int{0, -1, 65536, 100000}
	for _, port := range tests {
		if _, err := ResolveAddress("localhost", port); err == nil {
			t.Errorf("port %d: expected ErrInvalidPort, got nil", port)
		}
	}
}

func TestResolveAddressUnresolvable(t *testing.T) {
	_, err := ResolveAddress("this-host-does-not-exist.invalid", 6379)
	if err == nil {
		t.Fatal("expected ErrUnresolvable, got nil")
	}
}

func TestResolveAddressValid(t *testing.T) {
	addr, err := ResolveAddress("localhost", 6379)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.Host != "localhost" || addr.Port != 6379 {
		t.Errorf("got %+v", addr)
	}
}

func TestAddressStringIPv4(t *testing.T) {
	a := Address{Host: "10.0.0.1", Port: 6379}
	if got, want := a.String(), "10.0.0.1:6379"; got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestAddressStringIPv6(t *testing.T) {
	a := Address{Host: "::1", Port: 6379}
	if got, want := a.String(), "[::1]:6379"; got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestAddressEqual(t *testing.T) {
	a := Address{Host: "10.0.0.1", Port: 6379}
	b := Address{Host: "10.0.0.1", Port: 6379}
	c := Address{Host: "10.0.0.1", Port: 6380}
	if !a.Equal(b) {
		t.Error("expected a == b")
	}
	if a.Equal(c) {
		t.Error("expected a != c")
	}
}

func TestSynthesizeName(t *testing.T) {
	a := Address{Host: "10.0.0.2", Port: 6379}
	if got, want := SynthesizeName(a), "10.0.0.2:6379"; got != want {
		t.Errorf("got %q want %q", got, want)
	}
}
