package config

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	ep, err := Parse("tcp://127.0.0.1:9000/game?app.id=7&heartbeat.period=5000&msgheader=4&byte.order=little")
	if err != nil {
		t.Fatal(err)
	}
	if ep.Address() != "127.0.0.1:9000" {
		t.Fatalf("expect address 127.0.0.1:9000, got %s", ep.Address())
	}
	if ep.Group != "game" {
		t.Fatalf("expect group game, got %s", ep.Group)
	}
	if ep.GroupAndID() != "game-7" {
		t.Fatalf("expect game-7, got %s", ep.GroupAndID())
	}
	if d := ep.Duration(KeyHeartbeatPeriod, DefaultHeartbeatPeriod); d != 5*time.Second {
		t.Fatalf("expect 5s heartbeat period, got %s", d)
	}
	if ep.HeaderSize() != 4 {
		t.Fatalf("expect header size 4, got %d", ep.HeaderSize())
	}
	if ep.ByteOrder() != binary.LittleEndian {
		t.Fatal("expect little endian")
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{"", "tcp:///game", "tcp://host/game", "tcp://host:abc/game"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expect error for %q", raw)
		}
	}
}

func TestDefaults(t *testing.T) {
	ep := New("localhost", 1, "g", nil)
	if ep.AppID() != DefaultAppID {
		t.Fatalf("expect default app id, got %s", ep.AppID())
	}
	if ep.Duration(KeyTimeout, DefaultTimeout) != DefaultTimeout {
		t.Fatal("expect default timeout")
	}
	if !ep.Bool(KeyHeartbeatOpen, DefaultHeartbeatOpen) {
		t.Fatal("expect heartbeat open by default")
	}
	if ep.ByteOrder() != binary.BigEndian {
		t.Fatal("expect big endian by default")
	}
	if ep.NetProtocol() != ProtocolTCP {
		t.Fatalf("expect TCP, got %s", ep.NetProtocol())
	}
	if ep.Int("missing", 3) != 3 || ep.With("bad", "x").Int("bad", 3) != 3 {
		t.Fatal("expect fallback to default")
	}
}

func TestWithDoesNotMutate(t *testing.T) {
	ep := New("localhost", 1, "g", map[string]string{KeyAppID: "1"})
	cp := ep.With(KeyAppID, "2")
	if ep.AppID() != "1" || cp.AppID() != "2" {
		t.Fatalf("With mutated the original: %s %s", ep.AppID(), cp.AppID())
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		raw string
		err error
	}{
		{"tcp://h:1/g", nil},
		{"tcp://h:1/g?msgheader=4", nil},
		{"tcp://h:1/g?msgheader=1", ErrInvalidHeaderSize},
		{"tcp://h:1/g?msgheader=8", ErrInvalidHeaderSize},
		{"tcp://h:1/g?buffer=0", ErrInvalidBuffer},
		{"tcp://h:1/g?buffer=65535", nil},
		{"tcp://h:1/g?buffer=65536", ErrInvalidBuffer},
		{"tcp://h:1/g?msgheader=2&buffer=100000", ErrInvalidBuffer},
		{"tcp://h:1/g?msgheader=4&buffer=100000", nil},
		{"tcp://h:1/g?net.protocol=sctp", ErrInvalidProtocol},
		{"tcp://h:1/g?net.protocol=kcp", nil},
		{"tcp://h:1/g?protocol.mode=other", ErrInvalidMode},
		{"tcp://h:1/g?byte.order=middle", ErrInvalidByteOrder},
	}
	for _, c := range cases {
		err := MustParse(c.raw).Validate()
		if c.err == nil && err != nil {
			t.Errorf("%s: unexpected error %v", c.raw, err)
		}
		if c.err != nil && !errors.Is(err, c.err) {
			t.Errorf("%s: expect %v, got %v", c.raw, c.err, err)
		}
	}
}

func TestURLRoundTrip(t *testing.T) {
	ep := New("10.0.0.1", 8080, "game", map[string]string{KeyAppID: "3", KeyWeight: "5"})
	back, err := Parse(ep.URL())
	if err != nil {
		t.Fatal(err)
	}
	if back.GroupAndID() != "game-3" || back.Int(KeyWeight, 0) != 5 || back.Address() != "10.0.0.1:8080" {
		t.Fatalf("round trip lost data: %s", ep.URL())
	}
}

func TestMatch(t *testing.T) {
	consumer := MustParse("tcp://h:1/game?version=1.0")
	cases := []struct {
		provider string
		want     bool
	}{
		{"tcp://h:2/game?version=1.0", true},
		{"tcp://h:2/game?version=*", true},
		{"tcp://h:2/game", true},
		{"tcp://h:2/game?version=2.0", false},
		{"tcp://h:2/chat?version=1.0", false},
		{"tcp://h:2/game?version=1.0&enabled=false", false},
		{"tcp://h:2/game?classifier=a", true},
	}
	for _, c := range cases {
		if got := Match(consumer, MustParse(c.provider)); got != c.want {
			t.Errorf("Match(%s) = %v, want %v", c.provider, got, c.want)
		}
	}
}

func TestCompatible(t *testing.T) {
	cur := MustParse("tcp://h:1/game?app.id=1")
	if !Compatible(MustParse("tcp://h:1/game?app.id=1&weight=3"), cur) {
		t.Fatal("expect compatible when only weight differs")
	}
	if Compatible(MustParse("tcp://h:2/game?app.id=1"), cur) {
		t.Fatal("expect incompatible when address moved")
	}
	if Compatible(MustParse("tcp://h:1/game?app.id=1&enabled=false"), cur) {
		t.Fatal("expect incompatible when disabled")
	}
}

func TestInterfaces(t *testing.T) {
	ep := MustParse("tcp://h:1/g?interface=Login,%20Chat,,")
	got := ep.Interfaces()
	if len(got) != 2 || got[0] != "Login" || got[1] != "Chat" {
		t.Fatalf("unexpected interfaces %v", got)
	}
}
