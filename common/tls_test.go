package common

import "testing"

func TestTLSConfig(t *testing.T) {
	t.Parallel()

	c := TLSConfig("test.azure-devices.net")
	if c.ServerName != "test.azure-devices.net" {
		t.Errorf("ServerName = %q, want %q", c.ServerName, "test.azure-devices.net")
	}
	if c.RootCAs == nil {
		t.Error("RootCAs is nil")
	}
}
