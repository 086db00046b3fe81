package migrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"docmigrate/pkg/docstore"
)

// callbackNames are the trailing parameter names that mark a legacy
// callback-style procedure.
var callbackNames = map[string]bool{
	"callback": true, "callback_": true,
	"cb": true, "cb_": true,
	"next": true, "next_": true,
	"done": true, "done_": true,
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	dbType     = reflect.TypeOf((*docstore.Database)(nil)).Elem()
	clientType = reflect.TypeOf((*docstore.Client)(nil)).Elem()
	errType    = reflect.TypeOf((*error)(nil)).Elem()
)

// Adapt normalizes a loaded procedure into a MigrateFunc. Parameters are
// bound by type: context.Context, docstore.Database and docstore.Client.
// A procedure with three or more parameters whose last is named like a
// callback is treated as callback style and completes when the callback is
// invoked. paramNames may be nil when the declaration is unknown.
func Adapt(fn reflect.Value, paramNames []string) (MigrateFunc, Convention, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, Direct, errors.New("not a function")
	}
	t := fn.Type()
	n := t.NumIn()
	if t.IsVariadic() {
		return nil, Direct, errors.New("variadic procedures are not supported")
	}

	if n >= 3 && len(paramNames) == n && callbackNames[paramNames[n-1]] {
		cb := t.In(n - 1)
		if cb.Kind() != reflect.Func || cb.NumIn() > 1 || cb.NumOut() != 0 {
			return nil, Callback, fmt.Errorf("parameter %s must be func(error)", paramNames[n-1])
		}
		for i := 0; i < n-1; i++ {
			if err := checkParam(t.In(i)); err != nil {
				return nil, Callback, err
			}
		}
		return callbackFunc(fn), Callback, nil
	}

	for i := 0; i < n; i++ {
		if err := checkParam(t.In(i)); err != nil {
			return nil, Direct, err
		}
	}
	switch {
	case t.NumOut() == 0:
	case t.NumOut() == 1 && t.Out(0) == errType:
	default:
		return nil, Direct, fmt.Errorf("procedure must return nothing or error, got %s", t)
	}
	return directFunc(fn), Direct, nil
}

func checkParam(pt reflect.Type) error {
	switch pt {
	case ctxType, dbType, clientType:
		return nil
	}
	return fmt.Errorf("unsupported parameter type %s", pt)
}

func bindArgs(t reflect.Type, count int, ctx context.Context, db docstore.Database, client docstore.Client) []reflect.Value {
	args := make([]reflect.Value, count)
	for i := 0; i < count; i++ {
		pt := t.In(i)
		var v any
		switch pt {
		case ctxType:
			v = ctx
		case dbType:
			v = db
		case clientType:
			v = client
		}
		if v == nil {
			args[i] = reflect.Zero(pt)
			continue
		}
		args[i] = reflect.ValueOf(v)
	}
	return args
}

func directFunc(fn reflect.Value) MigrateFunc {
	t := fn.Type()
	return func(ctx context.Context, db docstore.Database, client docstore.Client) error {
		out, err := safeCall(fn, bindArgs(t, t.NumIn(), ctx, db, client))
		if err != nil {
			return err
		}
		if len(out) == 1 {
			return asError(out[0])
		}
		return nil
	}
}

func callbackFunc(fn reflect.Value) MigrateFunc {
	t := fn.Type()
	n := t.NumIn()
	return func(ctx context.Context, db docstore.Database, client docstore.Client) error {
		done := make(chan error, 1)
		cb := reflect.MakeFunc(t.In(n-1), func(args []reflect.Value) []reflect.Value {
			var err error
			if len(args) == 1 {
				err = asError(args[0])
			}
			select {
			case done <- err:
			default:
			}
			return nil
		})
		args := append(bindArgs(t, n-1, ctx, db, client), cb)
		if _, err := safeCall(fn, args); err != nil {
			return err
		}
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func asError(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
	}
	if err, ok := v.Interface().(error); ok {
		return err
	}
	return fmt.Errorf("%v", v.Interface())
}

// safeCall recovers from panics raised by migration code.
func safeCall(fn reflect.Value, args []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn.Call(args), nil
}
