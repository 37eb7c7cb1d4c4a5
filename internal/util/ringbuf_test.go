package util

import "testing"

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if last, ok := r.Last(); !ok || last != 5 {
		t.Fatalf("Last() = %d,%v", last, ok)
	}
}

func TestRingBufferReset(t *testing.T) {
	r := NewRingBuffer[string](2)
	r.Push("a")
	r.Push("b")
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("Len after reset = %d", r.Len())
	}
	if _, ok := r.Last(); ok {
		t.Fatal("Last on empty buffer reported ok")
	}
	r.Push("c")
	if s := r.Snapshot(); len(s) != 1 || s[0] != "c" {
		t.Fatalf("snapshot after reset = %v", s)
	}
}

func TestValidateRoomName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  jam  ", "jam", false},
		{"band-42", "band-42", false},
		{"", "", true},
		{"a b", "", true},
		{"a/b", "", true},
		{"x..y", "", true},
		{"q?x=1", "", true},
	}
	for _, c := range cases {
		got, err := ValidateRoomName(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("ValidateRoomName(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
		}
		if got != c.want {
			t.Fatalf("ValidateRoomName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := NormalizeURL(" 127.0.0.1:8787/ "); got != "http://127.0.0.1:8787" {
		t.Fatalf("NormalizeURL = %q", got)
	}
	if got := NormalizeURL("https://rv.example.org"); got != "https://rv.example.org" {
		t.Fatalf("NormalizeURL = %q", got)
	}
	if got := NormalizeURL(""); got != "" {
		t.Fatalf("NormalizeURL(empty) = %q", got)
	}
}
