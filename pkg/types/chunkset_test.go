package types

import (
	"encoding/json"
	"testing"
)

func TestChunkSet_Basics(t *testing.T) {
	s := NewChunkSet(3, 1, 1, 7)

	if s.Len() != 3 {
		t.Errorf("expected 3 members, got %d", s.Len())
	}
	if !s.Has(1) || !s.Has(3) || !s.Has(7) {
		t.Error("expected members 1, 3, 7 present")
	}
	if s.Has(0) {
		t.Error("did not expect member 0")
	}

	s.Remove(3)
	if s.Has(3) {
		t.Error("expected 3 removed")
	}

	got := s.Indices()
	want := []int{1, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestChunkSet_UnionAndComplement(t *testing.T) {
	s := NewChunkSet(0, 2)
	s.Union(NewChunkSet(2, 4))

	if s.Len() != 3 {
		t.Errorf("expected union of size 3, got %d", s.Len())
	}

	missing := s.Complement(5)
	if missing.Len() != 2 || !missing.Has(1) || !missing.Has(3) {
		t.Errorf("expected complement {1,3}, got %v", missing.Indices())
	}
}

func TestChunkSet_Intersects(t *testing.T) {
	a := NewChunkSet(0, 1, 2)
	b := NewChunkSet(2, 9)
	c := NewChunkSet(5)

	if !a.Intersects(b) {
		t.Error("expected a and b to intersect")
	}
	if a.Intersects(c) {
		t.Error("did not expect a and c to intersect")
	}
	if c.Intersects(NewChunkSet()) {
		t.Error("empty set intersects nothing")
	}
}

func TestChunkSet_JSONSortedArray(t *testing.T) {
	s := NewChunkSet(5, 0, 3)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[0,3,5]" {
		t.Errorf("expected sorted array encoding, got %s", data)
	}

	var back ChunkSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Len() != 3 || !back.Has(5) {
		t.Errorf("round trip lost members: %v", back.Indices())
	}
}

func TestDeviceKey(t *testing.T) {
	key := MakeDeviceKey("alice", "laptop")
	if key != "alice:laptop" {
		t.Errorf("unexpected key %q", key)
	}

	user, device, err := key.Split()
	if err != nil {
		t.Fatal(err)
	}
	if user != "alice" || device != "laptop" {
		t.Errorf("got %s/%s", user, device)
	}

	if _, _, err := DeviceKey("broken").Split(); err == nil {
		t.Error("expected error for malformed key")
	}
}
