package sigscan_test

import (
	"testing"

	"github.com/krakenmem/wincore/sigscan"
)

func TestCompileAndFindWildcards(t *testing.T) {
	p, err := sigscan.Compile("4C 8B ? ? ? ? 3C 9F")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	buf := []byte{0x4C, 0x8B, 0x00, 0x11, 0x22, 0x33, 0x3C, 0x9F}

	off, err := p.Find(buf)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if off != 0 {
		t.Fatalf("got offset %d, want 0", off)
	}
}

func TestFindNotFound(t *testing.T) {
	p, err := sigscan.Compile("FF FF FF")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if _, err := p.Find([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestResolveRIPRelative(t *testing.T) {
	// 48 8B 05 <i32 disp> ...: mov rax, [rip+disp]
	buf := []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00, 0x90, 0x90, 0x90}

	target, err := sigscan.ResolveRIPRelative(buf, 0, 3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	want := int64(0) + 3 + 0x10 + 4
	if target != want {
		t.Fatalf("got %d, want %d", target, want)
	}
}

func TestScanVal32(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}

	v, err := sigscan.ScanVal32(buf, 0, 3)
	if err != nil {
		t.Fatalf("scanval32: %v", err)
	}

	if v != 0xDEADBEEF {
		t.Fatalf("got 0x%x, want 0xdeadbeef", v)
	}
}
