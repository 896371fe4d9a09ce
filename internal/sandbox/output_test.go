package sandbox

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		exitCode int
		timedOut bool
		want     Status
	}{
		{0, false, StatusCompleted},
		{1, false, StatusError},
		{137, false, StatusError},
		{-1, false, StatusError},
		{0, true, StatusTimeout},
		{137, true, StatusTimeout},
	}
	for _, tt := range tests {
		if got := Classify(tt.exitCode, tt.timedOut); got != tt.want {
			t.Errorf("Classify(%d, %v) = %q, want %q", tt.exitCode, tt.timedOut, got, tt.want)
		}
	}
}

func TestOutput_SeparatesStreams(t *testing.T) {
	o := NewOutput(1024)
	_, _ = o.Writer(Stdout).Write([]byte("hello\n"))
	_, _ = o.Writer(Stderr).Write([]byte("oops\n"))
	_, _ = o.Writer(Stdout).Write([]byte("world\n"))

	if got := o.Text(Stdout); got != "hello\nworld\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := o.Text(Stderr); got != "oops\n" {
		t.Errorf("stderr = %q", got)
	}
	if o.Truncated() {
		t.Error("should not be truncated")
	}
	if o.Len() != 17 {
		t.Errorf("Len = %d, want 17", o.Len())
	}
}

func TestOutput_CeilingAcceptsPrefixOfCrossingChunk(t *testing.T) {
	o := NewOutput(10)

	n, err := o.Append(Stdout, []byte("123456"))
	if n != 6 || err != nil {
		t.Fatalf("Append = %d, %v; want 6, nil", n, err)
	}
	n, err = o.Append(Stderr, []byte("abcdef"))
	if n != 4 || !errors.Is(err, ErrOutputLimit) {
		t.Fatalf("Append = %d, %v; want 4, ErrOutputLimit", n, err)
	}
	n, err = o.Append(Stdout, []byte("x"))
	if n != 0 || !errors.Is(err, ErrOutputLimit) {
		t.Fatalf("Append after ceiling = %d, %v; want 0, ErrOutputLimit", n, err)
	}

	if got := o.Text(Stderr); got != "abcd" {
		t.Errorf("stderr = %q, want abcd", got)
	}
	if o.Len() != 10 {
		t.Errorf("Len = %d, want 10", o.Len())
	}
	if !o.Truncated() {
		t.Error("should be truncated")
	}
}

func TestOutput_ExactlyAtCeilingIsNotTruncated(t *testing.T) {
	o := NewOutput(4)
	if _, err := o.Append(Stdout, []byte("abcd")); err != nil {
		t.Fatalf("Append = %v", err)
	}
	if o.Truncated() {
		t.Error("filling exactly to the ceiling is not truncation")
	}
}

func TestKeepDraining_NeverFails(t *testing.T) {
	o := NewOutput(3)
	w := keepDraining{o.Writer(Stdout)}
	for i := 0; i < 5; i++ {
		n, err := w.Write([]byte("ab"))
		if n != 2 || err != nil {
			t.Fatalf("Write = %d, %v; want 2, nil", n, err)
		}
	}
	if got := o.Text(Stdout); got != "aba" {
		t.Errorf("stdout = %q, want %q", got, "aba")
	}
	if !o.Truncated() {
		t.Error("should be truncated")
	}
}

func TestOutput_InvalidUTF8IsReplaced(t *testing.T) {
	o := NewOutput(0)
	_, _ = o.Append(Stdout, []byte{'o', 'k', 0xff, 0xfe, '!'})
	got := o.Text(Stdout)
	if !strings.HasPrefix(got, "ok") || !strings.HasSuffix(got, "!") {
		t.Errorf("stdout = %q", got)
	}
	if !strings.ContainsRune(got, '\uFFFD') {
		t.Errorf("stdout = %q, want U+FFFD replacement", got)
	}
}

func TestOutput_TeeReceivesAcceptedBytesOnly(t *testing.T) {
	o := NewOutput(5)
	var live bytes.Buffer
	o.Tee(Stdout, &live)
	_, _ = o.Append(Stdout, []byte("abcdefgh"))
	if live.String() != "abcde" {
		t.Errorf("tee = %q, want abcde", live.String())
	}
}

func TestOutput_ConcurrentWriters(t *testing.T) {
	o := NewOutput(1000)
	var wg sync.WaitGroup
	for _, s := range []Stream{Stdout, Stderr} {
		wg.Add(1)
		go func(s Stream) {
			defer wg.Done()
			w := o.Writer(s)
			for i := 0; i < 200; i++ {
				_, _ = w.Write([]byte("0123456789"))
			}
		}(s)
	}
	wg.Wait()
	if o.Len() != 1000 {
		t.Errorf("Len = %d, want 1000", o.Len())
	}
	if got := len(o.Text(Stdout)) + len(o.Text(Stderr)); got != 1000 {
		t.Errorf("captured = %d, want 1000", got)
	}
}

func TestOutput_SealStopsTees(t *testing.T) {
	o := NewOutput(100)
	var live bytes.Buffer
	o.Tee(Stderr, &live)
	_, _ = o.Append(Stderr, []byte("before"))
	o.Seal()
	if n, err := o.Append(Stderr, []byte("after")); n != 0 || !errors.Is(err, ErrOutputLimit) {
		t.Errorf("Append after Seal = %d, %v", n, err)
	}
	if live.String() != "before" {
		t.Errorf("tee = %q, want before", live.String())
	}
	if o.Truncated() {
		t.Error("sealing is not truncation")
	}
}
