package tabcoord

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/crowdcast/tabcoord/bus/membus"
	"github.com/crowdcast/tabcoord/kv/memkv"
)

func TestConfigValidate(t *testing.T) {
	hub := membus.NewHub()
	conn := hub.Join("p")
	defer conn.Close()

	base := func() Config {
		return Config{
			Bus:       conn,
			Store:     memkv.New(),
			Transport: &fakeTransport{},
		}
	}

	for _, tbl := range []struct {
		name    string
		mutate  func(*Config)
		errPart string
	}{
		{name: "complete", mutate: func(*Config) {}},
		{
			name:    "no bus",
			mutate:  func(c *Config) { c.Bus = nil },
			errPart: "Bus",
		},
		{
			name:    "no store",
			mutate:  func(c *Config) { c.Store = nil },
			errPart: "Store",
		},
		{
			name:    "no transport",
			mutate:  func(c *Config) { c.Transport = nil },
			errPart: "Transport",
		},
		{
			name:    "negative heartbeat interval",
			mutate:  func(c *Config) { c.HeartbeatInterval = -time.Second },
			errPart: "HeartbeatInterval",
		},
		{
			name:    "negative heartbeat timeout",
			mutate:  func(c *Config) { c.HeartbeatTimeout = -time.Second },
			errPart: "HeartbeatTimeout",
		},
		{
			name: "timeout shorter than interval",
			mutate: func(c *Config) {
				c.HeartbeatInterval = 2 * time.Second
				c.HeartbeatTimeout = time.Second
			},
			errPart: "incompatible",
		},
	} {
		tbl := tbl
		t.Run(tbl.name, func(t *testing.T) {
			cfg := base()
			tbl.mutate(&cfg)
			err := cfg.validate()
			if tbl.errPart == "" {
				if err != nil {
					t.Errorf("unexpected validation error: %s", err)
				}
				return
			}
			if err == nil {
				t.Fatal("validation passed; expected an error")
			}
			if !strings.Contains(err.Error(), tbl.errPart) {
				t.Errorf("error %q does not mention %q", err, tbl.errPart)
			}
		})
	}
}

func TestNewProcessIDShape(t *testing.T) {
	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := NewProcessID(createdAt)

	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 || parts[0] != "p" {
		t.Fatalf("id %q does not have the p-<millis>-<suffix> shape", id)
	}
	if want := "1714564800000"; parts[1] != want {
		t.Errorf("timestamp segment = %q; want %q", parts[1], want)
	}
	if len(parts[2]) != 8 {
		t.Errorf("suffix %q has length %d; want 8", parts[2], len(parts[2]))
	}
	if other := NewProcessID(createdAt); other == id {
		t.Error("two ids from the same instant collided")
	}
}

func TestCoordErrorWrapsCause(t *testing.T) {
	cause := errors.New("socket reset")
	err := &CoordError{
		Kind:      ErrKindTransport,
		ProcessID: "p-1",
		Err:       cause,
	}

	if !errors.Is(err, cause) {
		t.Error("Unwrap does not expose the cause")
	}
	msg := err.Error()
	if !strings.Contains(msg, string(ErrKindTransport)) || !strings.Contains(msg, "p-1") {
		t.Errorf("message %q is missing the kind or process id", msg)
	}
}
