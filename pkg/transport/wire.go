package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"swarmshare/pkg/types"
)

// Frames are [4-byte big-endian length][gob body]. The length guard bounds
// what a misbehaving peer can make us allocate.
const maxFrameSize = 16 * 1024 * 1024

type ChunkRequest struct {
	FileID types.FileID
	Index  int
}

type ChunkResponse struct {
	Index int
	Found bool
	Data  []byte
}

func writeFrame(w io.Writer, v interface{}) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if body.Len() > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", body.Len())
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(body.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func readFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}

// deadliner is satisfied by net.Conn and net.Pipe streams.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// RequestChunk issues one request on the stream and waits for the matching
// response. Callers keep at most one request in flight per stream, so
// responses map to requests by order.
func RequestChunk(stream io.ReadWriter, fileID types.FileID, index int, timeout time.Duration) ([]byte, error) {
	if d, ok := stream.(deadliner); ok && timeout > 0 {
		if err := d.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer d.SetDeadline(time.Time{})
	}

	if err := writeFrame(stream, ChunkRequest{FileID: fileID, Index: index}); err != nil {
		return nil, fmt.Errorf("send chunk request: %w", err)
	}

	var resp ChunkResponse
	if err := readFrame(stream, &resp); err != nil {
		return nil, fmt.Errorf("read chunk response: %w", err)
	}
	if resp.Index != index {
		return nil, fmt.Errorf("response for chunk %d, requested %d", resp.Index, index)
	}
	if !resp.Found {
		return nil, fmt.Errorf("peer does not hold chunk %d", index)
	}
	return resp.Data, nil
}

// ServeChunks answers chunk requests on the stream from source until the
// peer hangs up or a frame fails to decode.
func ServeChunks(stream io.ReadWriter, source ChunkSource) error {
	for {
		var req ChunkRequest
		if err := readFrame(stream, &req); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		resp := ChunkResponse{Index: req.Index}
		if data, err := source.ReadChunk(req.FileID, req.Index); err == nil {
			resp.Found = true
			resp.Data = data
		}

		if err := writeFrame(stream, resp); err != nil {
			return err
		}
	}
}
