package common

import (
	"strings"
	"testing"
)

func TestFormatPayload(t *testing.T) {
	t.Parallel()

	for _, s := range []struct {
		b []byte
		w string
	}{
		{[]byte(`{"a": "бла", "b": 1}`), `{"a": "бла", "b": 1}`},
		{[]byte{0x0, 0xa, 0xab}, "[00 0a ab]"},
	} {
		if g := FormatPayload(s.b); g != s.w {
			t.Errorf("FormatPayload(%v) = %q, want %q", s.b, g, s.w)
		}
	}
}

func TestFormatProperties(t *testing.T) {
	t.Parallel()

	g := FormatProperties(map[string]string{"b": "2", "aaa": "1"})
	w := "aaa : 1\nb   : 2"
	if g != w {
		t.Errorf("FormatProperties() = %q, want %q", g, w)
	}
}

func TestMessageInspect(t *testing.T) {
	t.Parallel()

	msg := NewMessage([]byte("hello"))
	msg.SetProperty("k", "v")
	msg.MessageID = "mid"

	s := msg.Inspect()
	for _, w := range []string{"hello", "k : v", "MessageID : mid"} {
		if !strings.Contains(s, w) {
			t.Errorf("Inspect() = %q, doesn't contain %q", s, w)
		}
	}
	if strings.Contains(s, "CorrelationID") {
		t.Errorf("Inspect() = %q, contains empty CorrelationID", s)
	}
}
