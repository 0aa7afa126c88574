package document

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

const frameHeaderSize = 4

// Log is a CRDT over framed update chunks: the document state is the set of
// chunks ever applied, encoded as a length-prefixed concatenation in
// first-seen order. Updates and snapshots share the framing, so an encoded
// state replays through Apply unchanged. Merge semantics live in the client
// library; the server only needs idempotent accumulation.
type Log struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order [][]byte
	hook  func(update []byte)
}

// NewLog constructs an empty log document.
func NewLog() CRDT {
	return &Log{seen: make(map[string]struct{})}
}

// Frame wraps one chunk in the length-prefixed wire framing.
func Frame(chunk []byte) []byte {
	framed := make([]byte, frameHeaderSize+len(chunk))
	binary.BigEndian.PutUint32(framed, uint32(len(chunk)))
	copy(framed[frameHeaderSize:], chunk)
	return framed
}

// SplitFrames decodes a framed payload into its chunks.
func SplitFrames(payload []byte) ([][]byte, error) {
	var chunks [][]byte
	for len(payload) > 0 {
		if len(payload) < frameHeaderSize {
			return nil, fmt.Errorf("%w: truncated frame header", ErrInvalidUpdate)
		}
		size := binary.BigEndian.Uint32(payload)
		payload = payload[frameHeaderSize:]
		if uint64(len(payload)) < uint64(size) {
			return nil, fmt.Errorf("%w: truncated frame body", ErrInvalidUpdate)
		}
		chunks = append(chunks, append([]byte(nil), payload[:size]...))
		payload = payload[size:]
	}
	return chunks, nil
}

// Apply folds a framed payload into the document. Chunks already contained
// are skipped; each novel chunk fires the change hook with its framed form.
func (l *Log) Apply(update []byte) error {
	chunks, err := SplitFrames(update)
	if err != nil {
		return err
	}

	l.mu.Lock()
	novel := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		key := string(chunk)
		if _, ok := l.seen[key]; ok {
			continue
		}
		l.seen[key] = struct{}{}
		l.order = append(l.order, chunk)
		novel = append(novel, chunk)
	}
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		for _, chunk := range novel {
			hook(Frame(chunk))
		}
	}
	return nil
}

// Encode serializes the accumulated chunks in first-seen order.
func (l *Log) Encode() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	var buffer bytes.Buffer
	for _, chunk := range l.order {
		buffer.Write(Frame(chunk))
	}
	return buffer.Bytes()
}

// OnChange installs the change hook.
func (l *Log) OnChange(hook func(update []byte)) {
	l.mu.Lock()
	l.hook = hook
	l.mu.Unlock()
}
