package internal

import (
	"testing"

	"github.com/amenzhinsky/iotsession/transport"
	"github.com/google/go-cmp/cmp"
)

func TestOptionsFlag(t *testing.T) {
	t.Parallel()

	var f OptionsFlag
	for _, s := range []string{
		transport.OptionTimeout + "=241000",
		transport.OptionTrace + "=true",
		transport.OptionMinPollingInterval + "=9",
		transport.OptionMinPollingInterval + "=10",
	} {
		if err := f.Set(s); err != nil {
			t.Fatalf("Set(%q) error: %s", s, err)
		}
	}
	want := OptionsFlag{
		transport.OptionTimeout:            241000,
		transport.OptionTrace:              true,
		transport.OptionMinPollingInterval: 10,
	}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
	if g, w := f.String(), "min-polling-interval-s=10,timeout-ms=241000,trace-enabled=true"; g != w {
		t.Errorf("String() = %q, want %q", g, w)
	}

	for _, s := range []string{"timeout-ms", "=1", "color=red"} {
		if err := f.Set(s); err == nil {
			t.Errorf("Set(%q) = nil, want an error", s)
		}
	}
}

func TestStringsMapFlag(t *testing.T) {
	t.Parallel()

	var f StringsMapFlag
	for _, s := range []string{"a=b", "c=d=e", "empty="} {
		if err := f.Set(s); err != nil {
			t.Fatalf("Set(%q) error: %s", s, err)
		}
	}
	want := StringsMapFlag{"a": "b", "c": "d=e", "empty": ""}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("map mismatch (-want +got):\n%s", diff)
	}
	if err := f.Set("novalue"); err == nil {
		t.Error("Set(\"novalue\") = nil, want an error")
	}
}
