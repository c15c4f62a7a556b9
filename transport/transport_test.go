package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{
		Initial:    time.Second,
		Max:        5 * time.Second,
		Multiplier: 2,
	})
	for i, w := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	} {
		if g := b.Next(); g != w {
			t.Errorf("Next() #%d = %s, want %s", i, g, w)
		}
	}
	b.Reset()
	if g := b.Current(); g != time.Second {
		t.Errorf("Current() after Reset = %s, want %s", g, time.Second)
	}
}

func TestBackoffJitter(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{Initial: time.Second, Jitter: 0.25})
	for i := 0; i < 10; i++ {
		b.Reset()
		if g := b.Next(); g < time.Second || g > 1250*time.Millisecond {
			t.Errorf("Next() = %s, out of [1s, 1.25s]", g)
		}
	}
}

var fastRetry = RetryPolicy{
	MaxAttempts: 3,
	Backoff:     BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond},
}

func TestRetryTransient(t *testing.T) {
	t.Parallel()

	n := 0
	err := Retry(context.Background(), fastRetry, func(context.Context) error {
		n++
		if n < 3 {
			return &NetworkError{Err: errors.New("boom")}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	n := 0
	err := Retry(context.Background(), fastRetry, func(context.Context) error {
		n++
		return &net.OpError{Op: "dial", Err: errors.New("refused")}
	})
	if !IsNetworkError(err) {
		t.Fatalf("err = %v, want a network error", err)
	}
	if n != fastRetry.MaxAttempts {
		t.Errorf("attempts = %d, want %d", n, fastRetry.MaxAttempts)
	}
}

func TestRetryAuthErrorIsFinal(t *testing.T) {
	t.Parallel()

	n := 0
	err := Retry(context.Background(), fastRetry, func(context.Context) error {
		n++
		return &AuthError{Err: errors.New("bad key")}
	})
	if !IsAuthError(err) {
		t.Fatalf("err = %v, want an AuthError", err)
	}
	if n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestIntOption(t *testing.T) {
	t.Parallel()

	for _, s := range []struct {
		v   interface{}
		w   int
		err bool
	}{
		{241000, 241000, false},
		{int64(9), 9, false},
		{float64(10000), 10000, false},
		{"25", 25, false},
		{1.5, 0, true},
		{-1, 0, true},
		{true, 0, true},
		{"x", 0, true},
	} {
		g, err := IntOption("test", s.v)
		if (err != nil) != s.err {
			t.Errorf("IntOption(%v) error = %v, want error %t", s.v, err, s.err)
			continue
		}
		if g != s.w {
			t.Errorf("IntOption(%v) = %d, want %d", s.v, g, s.w)
		}
	}
}

func TestBoolOption(t *testing.T) {
	t.Parallel()

	for _, s := range []struct {
		v   interface{}
		w   bool
		err bool
	}{
		{true, true, false},
		{0, false, false},
		{1, true, false},
		{2, false, true},
		{"yes", false, true},
	} {
		g, err := BoolOption("test", s.v)
		if (err != nil) != s.err {
			t.Errorf("BoolOption(%v) error = %v, want error %t", s.v, err, s.err)
			continue
		}
		if g != s.w {
			t.Errorf("BoolOption(%v) = %t, want %t", s.v, g, s.w)
		}
	}
}

func TestFileUploadURIs(t *testing.T) {
	t.Parallel()

	u := &FileUpload{
		HostName:      "storage.blob.core.windows.net",
		ContainerName: "uploads",
		BlobName:      "dev/1.txt",
		SASToken:      "?sig=x",
	}
	if g, w := u.BlobURI(), "https://storage.blob.core.windows.net/uploads/dev/1.txt?sig=x"; g != w {
		t.Errorf("BlobURI() = %q, want %q", g, w)
	}
	if g, w := u.ContainerURI(), "https://storage.blob.core.windows.net/uploads?sig=x"; g != w {
		t.Errorf("ContainerURI() = %q, want %q", g, w)
	}
}
