package rpc

import (
	"context"
	"errors"
	"testing"

	"chanrpc/codec"
	"chanrpc/config"
	"chanrpc/message"
)

type Args struct{ A, B int }

type Quotient struct{ Quo, Rem int }

type Arith struct{}

func (*Arith) Multiply(args *Args, reply *int) error {
	*reply = args.A * args.B
	return nil
}

func (*Arith) Divide(ctx context.Context, args *Args, reply *Quotient) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Quo, reply.Rem = args.A/args.B, args.A%args.B
	return nil
}

// not exposed: wrong shapes
func (*Arith) Helper(a int) int                 { return a }
func (*Arith) NoError(args *Args, r *int)       {}
func (*Arith) ValueArg(args Args, r *int) error { return nil }

func invokeSvc(t *testing.T, s *Service, method string, args any) message.Result {
	t.Helper()
	raw, err := codec.Values.Encode(args)
	if err != nil {
		t.Fatal(err)
	}
	req := message.NewRequest(s.API(), "game", message.Invocation{Method: method, Args: raw})
	return s.invoke(context.Background(), req)
}

func TestReflectService(t *testing.T) {
	s, err := NewReflectService("", &Arith{})
	if err != nil {
		t.Fatal(err)
	}
	if s.API() != "Arith" {
		t.Fatalf("expect type name as api, got %s", s.API())
	}
	if got := s.Methods(); len(got) != 2 || got[0] != "Divide" || got[1] != "Multiply" {
		t.Fatalf("unexpected methods %v", got)
	}

	res := invokeSvc(t, s, "Multiply", Args{A: 6, B: 7})
	var product int
	if err := codec.Values.Decode(res.Value, &product); err != nil || product != 42 {
		t.Fatalf("expect 42, got %d (%v)", product, err)
	}

	res = invokeSvc(t, s, "Divide", Args{A: 7, B: 2})
	var q Quotient
	if err := codec.Values.Decode(res.Value, &q); err != nil || q.Quo != 3 || q.Rem != 1 {
		t.Fatalf("expect 3 r1, got %+v (%v)", q, err)
	}

	res = invokeSvc(t, s, "Divide", Args{A: 1})
	if res.ErrKind != message.KindBusiness || res.ErrMsg != "divide by zero" {
		t.Fatalf("expect business error, got %+v", res)
	}
}

func TestReflectServiceRejects(t *testing.T) {
	if _, err := NewReflectService("", Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	n := 1
	if _, err := NewReflectService("", &n); err == nil {
		t.Fatal("expect error for pointer to non-struct")
	}
	type empty struct{}
	if _, err := NewReflectService("Empty", &empty{}); err == nil {
		t.Fatal("expect error for a receiver without methods")
	}
}

func TestRegisterTyped(t *testing.T) {
	s := NewService("Arith")
	Register(s, "Add", ModeSync, func(ctx context.Context, a Args) (int, error) {
		return a.A + a.B, nil
	})
	Register(s, "Boom", ModeSync, func(ctx context.Context, a Args) (int, error) {
		panic("boom")
	})
	Register(s, "Fail", ModeSync, func(ctx context.Context, a Args) (int, error) {
		return 0, &Error{Kind: message.KindRejected, Msg: "busy"}
	})

	res := invokeSvc(t, s, "Add", Args{A: 2, B: 3})
	if string(res.Value) != "5" {
		t.Fatalf("expect 5, got %s", res.Value)
	}
	if res := invokeSvc(t, s, "Boom", Args{}); res.ErrKind != message.KindBusiness {
		t.Fatalf("panic must become a business error, got %+v", res)
	}
	if res := invokeSvc(t, s, "Fail", Args{}); res.ErrKind != message.KindRejected || res.ErrMsg != "busy" {
		t.Fatalf("error kind must survive, got %+v", res)
	}
	if res := invokeSvc(t, s, "Missing", Args{}); res.ErrKind != message.KindBusiness {
		t.Fatalf("unknown method must be a business error, got %+v", res)
	}

	req := message.NewRequest("Arith", "game", message.Invocation{Method: "Add", Args: []byte("{bad")})
	if res := s.invoke(context.Background(), req); res.ErrKind != message.KindSerialization {
		t.Fatalf("expect serialization error, got %+v", res)
	}
}

func TestServiceRegistry(t *testing.T) {
	reg := NewServiceRegistry(config.MustParse("tcp://127.0.0.1:0/game?app.id=3"))
	s := NewService("Arith").Handle("Ping", ModeNoWait, func(context.Context, []byte) ([]byte, error) { return nil, nil })
	if err := reg.Add(s); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(NewService("Arith")); err == nil {
		t.Fatal("expect duplicate error")
	}

	if !reg.HasLocal("game", "Arith") || reg.HasLocal("chat", "Arith") || reg.HasLocal("game", "Other") {
		t.Fatal("HasLocal must check group and api")
	}
	if !reg.IsLocalInstance("game-3") || reg.IsLocalInstance("game-1") {
		t.Fatal("IsLocalInstance mismatch")
	}
	if reg.Mode("Arith", "Ping") != ModeNoWait || reg.Mode("Arith", "Nope") != ModeSync {
		t.Fatal("unexpected modes")
	}
	if !s.SetMode("Ping", ModeBroadcast) || reg.Mode("Arith", "Ping") != ModeBroadcast {
		t.Fatal("SetMode did not apply")
	}

	res := reg.Invoke(context.Background(), message.NewRequest("Other", "game", message.Invocation{Method: "X"}))
	if res.ErrKind != message.KindBusiness {
		t.Fatalf("unknown api must fail, got %+v", res)
	}

	empty := NewServiceRegistry(nil)
	if empty.IsLocalGroup("") || empty.IsLocalInstance("") {
		t.Fatal("an empty registry is never local")
	}
}

func TestModeReplies(t *testing.T) {
	for m, want := range map[Mode]bool{ModeSync: true, ModeAsync: true, ModeNoWait: false, ModeBroadcast: false} {
		if m.Replies() != want {
			t.Errorf("%s: expect %v", m, want)
		}
	}
}
