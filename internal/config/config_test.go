package config

import "testing"

func TestValidateRequiresExactlyOneKeySource(t *testing.T) {
	c := Default()
	c.RemoteAddrs = []string{"relay.example.com"}

	if err := c.Validate(); err != ErrNoKeyMaterial {
		t.Fatalf("err = %v, want ErrNoKeyMaterial", err)
	}

	c.Password = "hunter2"
	c.Key = []byte{1, 2, 3}
	if err := c.Validate(); err != ErrBothKeyAndPass {
		t.Fatalf("err = %v, want ErrBothKeyAndPass", err)
	}

	c.Key = nil
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsTooManyRemotes(t *testing.T) {
	c := Default()
	c.Password = "hunter2"
	for i := 0; i < MaxRemoteNum+1; i++ {
		c.RemoteAddrs = append(c.RemoteAddrs, "relay.example.com")
	}
	if err := c.Validate(); err != ErrTooManyRemotes {
		t.Fatalf("err = %v, want ErrTooManyRemotes", err)
	}
}

func TestRemoteEndpointFillsDefaultPort(t *testing.T) {
	c := Default()
	c.RemoteAddrs = []string{"relay.example.com", "other.example.com:9000"}

	got, err := c.RemoteEndpoint(0)
	if err != nil {
		t.Fatalf("RemoteEndpoint: %v", err)
	}
	if got != "relay.example.com:8388" {
		t.Fatalf("got %q, want relay.example.com:8388", got)
	}

	got, err = c.RemoteEndpoint(1)
	if err != nil {
		t.Fatalf("RemoteEndpoint: %v", err)
	}
	if got != "other.example.com:9000" {
		t.Fatalf("got %q, want other.example.com:9000", got)
	}

	// Round-robin wraps.
	got, err = c.RemoteEndpoint(2)
	if err != nil {
		t.Fatalf("RemoteEndpoint: %v", err)
	}
	if got != "relay.example.com:8388" {
		t.Fatalf("wrapped index got %q, want relay.example.com:8388", got)
	}
}
