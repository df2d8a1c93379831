// Package chunkstore persists downloaded chunks on disk, one directory per
// file, so partial downloads survive restarts and revoked files can be
// removed wholesale.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"swarmshare/pkg/types"
)

const (
	DefaultChunkSize = 1024 * 1024 // 1MB chunks

	metaFileName = "meta.json"
	chunkSuffix  = ".chunk"
)

var ErrNotFound = errors.New("chunkstore: not found")

// Meta carries the canonical file metadata alongside the chunks so a
// restarted peer can re-announce everything it holds without re-discovery.
type Meta struct {
	FileID     types.FileID `json:"file_id"`
	Checksum   string       `json:"checksum"`
	ChunkCount int          `json:"chunk_count"`
	FileSize   int64        `json:"file_size"`
	MimeType   string       `json:"mime_type,omitempty"`
}

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk store root: %w", err)
	}
	return &Store{root: root}, nil
}

// fileDir maps a file ID to a directory name. IDs are opaque and may contain
// path characters, so the directory is named by the ID's content hash.
func (s *Store) fileDir(fileID types.FileID) string {
	sum := sha256.Sum256([]byte(fileID))
	return filepath.Join(s.root, hex.EncodeToString(sum[:16]))
}

func (s *Store) chunkPath(fileID types.FileID, index int) string {
	return filepath.Join(s.fileDir(fileID), strconv.Itoa(index)+chunkSuffix)
}

// PutMeta records the canonical metadata for a file. Called when an import
// or a discovery establishes checksum and chunk count.
func (s *Store) PutMeta(meta Meta) error {
	dir := s.fileDir(meta.FileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create file dir: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metaFileName), data, 0o644)
}

func (s *Store) GetMeta(fileID types.FileID) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.fileDir(fileID), metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	return meta, nil
}

func (s *Store) WriteChunk(fileID types.FileID, index int, data []byte) error {
	dir := s.fileDir(fileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create file dir: %w", err)
	}
	return os.WriteFile(s.chunkPath(fileID, index), data, 0o644)
}

func (s *Store) ReadChunk(fileID types.FileID, index int) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(fileID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Have returns the set of chunk indices present on disk for fileID.
func (s *Store) Have(fileID types.FileID) (types.ChunkSet, error) {
	entries, err := os.ReadDir(s.fileDir(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewChunkSet(), nil
		}
		return nil, err
	}

	have := types.NewChunkSet()
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(name, chunkSuffix))
		if err != nil {
			continue
		}
		have.Add(index)
	}
	return have, nil
}

// DeleteFile removes every chunk and the metadata for fileID. Used on
// verified revocation.
func (s *Store) DeleteFile(fileID types.FileID) error {
	return os.RemoveAll(s.fileDir(fileID))
}

// AssembleTo writes the file's chunks to w in index order and returns the
// sha256 hex digest of the assembled content. Fails if any chunk in
// [0, meta.ChunkCount) is missing.
func (s *Store) AssembleTo(fileID types.FileID, w io.Writer) (string, error) {
	meta, err := s.GetMeta(fileID)
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	out := io.MultiWriter(w, hasher)

	for i := 0; i < meta.ChunkCount; i++ {
		data, err := s.ReadChunk(fileID, i)
		if err != nil {
			return "", fmt.Errorf("chunk %d: %w", i, err)
		}
		if _, err := out.Write(data); err != nil {
			return "", fmt.Errorf("write chunk %d: %w", i, err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ImportFile splits a local file into chunks under fileID and records its
// metadata. The returned Meta carries the whole-file checksum announced to
// the registry.
func (s *Store) ImportFile(fileID types.FileID, path string, mimeType string, chunkSize int) (Meta, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return Meta{}, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	index := 0
	var total int64

	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if werr := s.WriteChunk(fileID, index, buf[:n]); werr != nil {
				return Meta{}, fmt.Errorf("write chunk %d: %w", index, werr)
			}
			hasher.Write(buf[:n])
			total += int64(n)
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Meta{}, fmt.Errorf("read chunk %d: %w", index, err)
		}
	}

	meta := Meta{
		FileID:     fileID,
		Checksum:   hex.EncodeToString(hasher.Sum(nil)),
		ChunkCount: index,
		FileSize:   total,
		MimeType:   mimeType,
	}
	if err := s.PutMeta(meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// Files lists the metadata of every file the store holds chunks for,
// sorted by file ID for stable output.
func (s *Store) Files() ([]Meta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	var out []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), metaFileName))
		if err != nil {
			continue // chunks without metadata are unannounceable, skip
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}
