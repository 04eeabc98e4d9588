package toolserver

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestListToolsReflectsRegistrationOrder(t *testing.T) {
	ts := New("files", "1.0.0", []ToolDef{
		{Name: "upper", Description: "Uppercase a string", Params: []Param{{Name: "s", Required: true}}},
		{Name: "lower", Description: "Lowercase a string"},
	})
	tools := ts.ListTools()
	if len(tools) != 2 || tools[0].Name != "upper" || tools[1].Name != "lower" {
		t.Fatalf("unexpected tool list: %+v", tools)
	}
}

func TestToolLookupAndInvoke(t *testing.T) {
	ts := New("files", "1.0.0", []ToolDef{
		{
			Name: "upper",
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				s, _ := args["s"].(string)
				return strings.ToUpper(s), nil
			},
		},
	})
	def, ok := ts.Tool("upper")
	if !ok {
		t.Fatal("expected to find tool upper")
	}
	out, err := def.Invoke(context.Background(), map[string]any{"s": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "HI" {
		t.Fatalf("got %v want HI", out)
	}

	if _, ok := ts.Tool("missing"); ok {
		t.Fatal("expected missing tool lookup to fail")
	}
}

func TestToolInvokeError(t *testing.T) {
	ts := New("broken", "1.0.0", []ToolDef{
		{
			Name: "fail",
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, errors.New("boom")
			},
		},
	})
	def, ok := ts.Tool("fail")
	if !ok {
		t.Fatal("expected to find tool fail")
	}
	if _, err := def.Invoke(context.Background(), nil); err == nil {
		t.Fatal("expected invoke error")
	}
}

func TestRegistryLookupByACPURL(t *testing.T) {
	a := New("a", "1.0.0", nil)
	b := New("b", "1.0.0", nil)
	reg := NewRegistry(a, b)

	if s, ok := reg.Lookup(a.ACPURL); !ok || s != a {
		t.Fatal("lookup a failed")
	}
	if _, ok := reg.Lookup("acp:does-not-exist"); ok {
		t.Fatal("expected missing lookup to fail")
	}

	c := New("c", "1.0.0", nil)
	reg.Register(c)
	if s, ok := reg.Lookup(c.ACPURL); !ok || s != c {
		t.Fatal("lookup c after Register failed")
	}

	reg.Unregister(c.ACPURL)
	if _, ok := reg.Lookup(c.ACPURL); ok {
		t.Fatal("expected c to be gone after Unregister")
	}
}
