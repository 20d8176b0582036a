package rpc

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const (
	streamPrefix   = "data: "
	maxStreamChunk = 1 << 20
)

// Stream is a lazy, finite sequence of event-stream chunks. It ends at the
// end of the body or on the first transport error and cannot be restarted.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	chunk   string
	err     error
}

func newStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamChunk)
	return &Stream{body: body, scanner: scanner}
}

// Next advances to the next non-empty chunk.
func (s *Stream) Next() bool {
	for s.scanner.Scan() {
		line := strings.TrimPrefix(s.scanner.Text(), streamPrefix)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.chunk = unwrapChunk(line)
		return true
	}
	s.err = s.scanner.Err()
	return false
}

func (s *Stream) Chunk() string {
	return s.chunk
}

func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// unwrapChunk turns a {"data": ...} line into its payload.
func unwrapChunk(line string) string {
	if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") || !strings.Contains(line, "data") {
		return line
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return line
	}
	raw, ok := env["data"]
	if !ok {
		return line
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// collect joins every chunk and parses the result when it forms a JSON
// object or array.
func collect(s *Stream) (any, error) {
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Chunk())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	joined := b.String()
	if (strings.HasPrefix(joined, "{") && strings.HasSuffix(joined, "}")) ||
		(strings.HasPrefix(joined, "[") && strings.HasSuffix(joined, "]")) {
		var out any
		if err := json.Unmarshal([]byte(joined), &out); err == nil {
			return out, nil
		}
	}
	return joined, nil
}
