package rpc

import (
	"context"
	"fmt"
	"reflect"

	"chanrpc/codec"
	"chanrpc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// NewReflectService exposes the exported methods of rcvr that look like
//
//	func (T) Name(args *A, reply *R) error
//	func (T) Name(ctx context.Context, args *A, reply *R) error
//
// under api, or under the type name when api is "". Other methods are skipped. All
// methods start as ModeSync; see SetMode.
func NewReflectService(api string, rcvr any) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if api == "" {
		api = typ.Elem().Name()
	}
	s := NewService(api)
	val := reflect.ValueOf(rcvr)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		ft := m.Type
		withCtx := ft.NumIn() == 4 && ft.In(1) == contextType
		first := 1
		if withCtx {
			first = 2
		}
		if ft.NumIn() != first+2 || ft.NumOut() != 1 || ft.Out(0) != errorType ||
			ft.In(first).Kind() != reflect.Ptr || ft.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		argType, replyType := ft.In(first).Elem(), ft.In(first+1).Elem()
		fn := m.Func
		s.Handle(m.Name, ModeSync, func(ctx context.Context, raw []byte) ([]byte, error) {
			argv := reflect.New(argType)
			if len(raw) > 0 {
				if err := codec.Values.Decode(raw, argv.Interface()); err != nil {
					return nil, &Error{Kind: message.KindSerialization, Msg: "decode args", Err: err}
				}
			}
			replyv := reflect.New(replyType)
			in := []reflect.Value{val}
			if withCtx {
				in = append(in, reflect.ValueOf(ctx))
			}
			out := fn.Call(append(in, argv, replyv))
			if err, _ := out[0].Interface().(error); err != nil {
				return nil, err
			}
			return encodeValue(replyv.Interface())
		}, argType.String())
	}
	if len(s.methods) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported methods of the form Name(*Args, *Reply) error", typ)
	}
	return s, nil
}
