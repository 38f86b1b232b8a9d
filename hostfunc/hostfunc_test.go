package hostfunc

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tetratelabs/wazero/api"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("imports", "add_js", func(a, b int32) int32 { return a + b })

	b, ok := r.Get("imports", "add_js")
	if !ok {
		t.Fatal("expected binding to be registered")
	}
	fn, ok := b.(func(a, b int32) int32)
	if !ok {
		t.Fatalf("unexpected binding type %T", b)
	}
	if fn(1, 2) != 3 {
		t.Errorf("expected 3, got %d", fn(1, 2))
	}

	if _, ok := r.Get("imports", "missing"); ok {
		t.Error("expected missing binding")
	}
	if _, ok := r.Get("missing", "add_js"); ok {
		t.Error("expected missing namespace")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("b", "two", func() {})
	r.Register("a", "one", func() {})
	r.Register("b", "one", func() {})

	got := r.List()
	want := []string{"a.one", "b.one", "b.two"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRegistryImportsIsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register("env", "a", func() {})

	snap := r.Imports()
	r.Register("env", "b", func() {})

	if _, ok := snap["env"]["b"]; ok {
		t.Error("snapshot should not see later registrations")
	}
	if len(r.Imports()["env"]) != 2 {
		t.Errorf("expected 2 bindings, got %d", len(r.Imports()["env"]))
	}
}

func TestImportsMerge(t *testing.T) {
	base := Imports{"env": {"a": 1, "b": 2}}
	over := Imports{"env": {"b": 3}, "other": {"c": 4}}

	merged := base.Merge(over)

	if merged["env"]["a"] != 1 || merged["env"]["b"] != 3 || merged["other"]["c"] != 4 {
		t.Errorf("unexpected merge result: %v", merged)
	}
	if base["env"]["b"] != 2 {
		t.Error("merge must not modify its receiver")
	}
	if got := merged.Namespaces(); !reflect.DeepEqual(got, []string{"env", "other"}) {
		t.Errorf("unexpected namespaces %v", got)
	}
	if got := merged["env"].Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("unexpected names %v", got)
	}
}

func TestBuiltinsRegistered(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, nil)

	want := []string{"env.abort", "env.log_i32", "env.log_i64", "env.now_ms"}
	if got := r.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	now, _ := r.Get(BuiltinNamespace, "now_ms")
	if now.(func() int64)() <= 0 {
		t.Error("expected positive clock value")
	}
}

func TestBuiltinAbortPanics(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, nil)

	b, _ := r.Get(BuiltinNamespace, "abort")
	abort := b.(Func)
	if len(abort.Params) != 4 || len(abort.Results) != 0 {
		t.Fatalf("unexpected abort signature %v -> %v", abort.Params, abort.Results)
	}

	defer func() {
		rec := recover()
		err, ok := rec.(error)
		if !ok {
			t.Fatalf("expected error panic, got %v", rec)
		}
		var ae *AbortError
		if !errors.As(err, &ae) {
			t.Fatalf("expected AbortError, got %v", err)
		}
		if ae.Line != 7 || ae.Column != 9 {
			t.Errorf("unexpected position %d:%d", ae.Line, ae.Column)
		}
	}()

	stack := []uint64{api.EncodeU32(1), api.EncodeU32(2), api.EncodeU32(7), api.EncodeU32(9)}
	abort.Fn(context.Background(), nil, stack)
}
