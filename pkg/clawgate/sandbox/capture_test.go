package sandbox

import (
	"testing"
)

func TestCapture_SharedLimit(t *testing.T) {
	c := NewCapture(10)

	n, err := c.Stdout().Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write stdout: n=%d err=%v", n, err)
	}
	n, err = c.Stderr().Write([]byte("world!!"))
	if err != nil || n != 7 {
		t.Fatalf("write stderr: n=%d err=%v", n, err)
	}

	stdout, stderr := c.Output()
	if stdout != "hello" {
		t.Errorf("stdout = %q, want hello", stdout)
	}
	if stderr != "world" {
		t.Errorf("stderr = %q, want world", stderr)
	}
	if !c.Overflowed() {
		t.Error("expected overflow")
	}
	if c.Total() != 12 {
		t.Errorf("total = %d, want 12", c.Total())
	}
}

func TestCapture_ExactLimitIsNotOverflow(t *testing.T) {
	c := NewCapture(4)
	c.Stdout().Write([]byte("abcd"))
	if c.Overflowed() {
		t.Error("output equal to the limit must not overflow")
	}
	c.Stdout().Write([]byte("e"))
	if !c.Overflowed() {
		t.Error("expected overflow after limit")
	}
	if out, _ := c.Output(); out != "abcd" {
		t.Errorf("stdout = %q", out)
	}
}
