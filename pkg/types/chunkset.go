package types

import (
	"encoding/json"
	"sort"
)

// ChunkSet is a set of chunk indices. It marshals as a sorted JSON array so
// wire payloads and log output stay deterministic.
type ChunkSet map[int]struct{}

func NewChunkSet(indices ...int) ChunkSet {
	s := make(ChunkSet, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

// FullChunkSet returns a set containing every index in [0, chunkCount).
func FullChunkSet(chunkCount int) ChunkSet {
	s := make(ChunkSet, chunkCount)
	for i := 0; i < chunkCount; i++ {
		s[i] = struct{}{}
	}
	return s
}

func (s ChunkSet) Add(index int) {
	s[index] = struct{}{}
}

func (s ChunkSet) Remove(index int) {
	delete(s, index)
}

func (s ChunkSet) Has(index int) bool {
	_, ok := s[index]
	return ok
}

func (s ChunkSet) Len() int {
	return len(s)
}

// Indices returns the members in ascending order.
func (s ChunkSet) Indices() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (s ChunkSet) Clone() ChunkSet {
	out := make(ChunkSet, len(s))
	for i := range s {
		out[i] = struct{}{}
	}
	return out
}

// Union adds every member of other to s.
func (s ChunkSet) Union(other ChunkSet) {
	for i := range other {
		s[i] = struct{}{}
	}
}

// Intersects reports whether any member of other is in s.
func (s ChunkSet) Intersects(other ChunkSet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for i := range small {
		if _, ok := large[i]; ok {
			return true
		}
	}
	return false
}

// Complement returns the indices in [0, chunkCount) not present in s.
func (s ChunkSet) Complement(chunkCount int) ChunkSet {
	out := make(ChunkSet)
	for i := 0; i < chunkCount; i++ {
		if _, ok := s[i]; !ok {
			out[i] = struct{}{}
		}
	}
	return out
}

func (s ChunkSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Indices())
}

func (s *ChunkSet) UnmarshalJSON(data []byte) error {
	var indices []int
	if err := json.Unmarshal(data, &indices); err != nil {
		return err
	}
	*s = NewChunkSet(indices...)
	return nil
}
