package frame

import (
	"bytes"
	"testing"
)

func TestDecodeClassifies(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"n1"}`, KindNotification},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"error-response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"invalid", `{"jsonrpc":"2.0"}`, KindInvalid},
		{"not-json", `not json`, KindInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, err := Decode([]byte(c.line))
			if c.want == KindInvalid {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Kind != c.want {
				t.Fatalf("kind = %v, want %v", f.Kind, c.want)
			}
		})
	}
}

func TestIDTypePreservedThroughRoundTrip(t *testing.T) {
	for _, id := range []string{`1`, `"string-id"`, `999`} {
		line := `{"jsonrpc":"2.0","id":` + id + `,"method":"foo"}`
		f, err := Decode([]byte(line))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(f.ID) != id {
			t.Fatalf("id = %s, want %s", f.ID, id)
		}
		b, err := Encode(f)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		f2, err := Decode(b)
		if err != nil {
			t.Fatalf("redecode: %v", err)
		}
		if string(f2.ID) != id {
			t.Fatalf("round-tripped id = %s, want %s", f2.ID, id)
		}
	}
}

func TestReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(NewRequest([]byte(`1`), "initialize", []byte(`{}`))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(NewNotification("n1", nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewReader(&buf)
	f1, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if f1.Kind != KindRequest || f1.Method != "initialize" {
		t.Fatalf("unexpected frame: %+v", f1)
	}
	f2, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if f2.Kind != KindNotification || f2.Method != "n1" {
		t.Fatalf("unexpected frame: %+v", f2)
	}
}
