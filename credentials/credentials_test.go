package credentials

import (
	"testing"
	"time"
)

func TestParseConnectionString(t *testing.T) {
	t.Parallel()

	for s, w := range map[string]*Credentials{
		"HostName=test.azure-devices.net;DeviceId=devnull;SharedAccessKey=c2VjcmV0": {
			HostName:        "test.azure-devices.net",
			DeviceID:        "devnull",
			SharedAccessKey: "c2VjcmV0",
		},
		"HostName=test.azure-devices.net;DeviceId=devnull;SharedAccessSignature=SharedAccessSignature sr=a&sig=b&se=1": {
			HostName:              "test.azure-devices.net",
			DeviceID:              "devnull",
			SharedAccessSignature: "SharedAccessSignature sr=a&sig=b&se=1",
		},
	} {
		g, err := ParseConnectionString(s)
		if err != nil {
			t.Fatal(err)
		}
		if *g != *w {
			t.Errorf("ParseConnectionString(%q) = %v, want %v", s, g, w)
		}
	}
}

func TestParseConnectionStringErrors(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"",
		"HostName",
		"HostName=h;SharedAccessKey=c2VjcmV0",
		"DeviceId=d;SharedAccessKey=c2VjcmV0",
		"HostName=h;DeviceId=d",
		"HostName=h;DeviceId=d;SharedAccessKey=a;SharedAccessSignature=b",
		"HostName=h;DeviceId=d;SharedAccessKey=a;Foo=bar",
	} {
		if _, err := ParseConnectionString(s); err == nil {
			t.Errorf("ParseConnectionString(%q) error = nil, want an error", s)
		}
	}
}

func TestCredentials_GenerateToken(t *testing.T) {
	t.Parallel()

	c, err := ParseConnectionString("HostName=test.azure-devices.net;DeviceId=devnull;SharedAccessKey=c2VjcmV0")
	if err != nil {
		t.Fatal(err)
	}

	g, err := c.GenerateToken(c.HostName+"/devices/test",
		WithDuration(time.Hour),
		WithCurrentTime(time.Date(2017, 1, 1, 1, 1, 1, 0, time.UTC)),
	)
	if err != nil {
		t.Fatal(err)
	}

	w := "SharedAccessSignature sr=test.azure-devices.net%2Fdevices%2Ftest&sig=IMr3Y5GKbdixQSt96QgIEymAURnu3qzLvEHhGHPLxrU%3D&se=1483236061"
	if g != w {
		t.Errorf("GenerateToken(time.Hour) = %q, want %q", g, w)
	}
}

func TestCredentials_GenerateTokenPregenerated(t *testing.T) {
	t.Parallel()

	c := &Credentials{
		HostName:              "h",
		DeviceID:              "d",
		SharedAccessSignature: "SharedAccessSignature sr=x",
	}
	g, err := c.GenerateToken("h/devices/d")
	if err != nil {
		t.Fatal(err)
	}
	if g != c.SharedAccessSignature {
		t.Errorf("GenerateToken() = %q, want %q", g, c.SharedAccessSignature)
	}
}
