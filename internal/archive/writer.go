// Package archive reconstructs a binary archive from the base64 fragments a
// browser-delivered run streams over the channel, writing them incrementally
// to a sink. Fragments are written in arrival order; ordering is inherited
// from the channel's per-direction guarantee and not verified here (the
// wire format carries no sequence numbers).
package archive

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/photarc/photarc/internal/logging"
	"github.com/photarc/photarc/internal/protocol"
)

// Sink is an incremental byte sink for one archive. Exactly one of Close or
// Abort is called per transfer, on every exit path: Close keeps what was
// written, Abort discards it.
type Sink interface {
	Write(p []byte) error
	Close() error
	Abort() error
}

// FileSink writes the archive to a local file. It stands in for the
// browser's streaming download; the transfer logic is identical either way.
type FileSink struct {
	f    *os.File
	path string
}

// NewFileSink creates <dir>/<name>.zip, creating dir as needed.
func NewFileSink(dir, name string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, name+".zip")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	return &FileSink{f: f, path: path}, nil
}

// Path returns the destination file path.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Write(p []byte) error {
	_, err := s.f.Write(p)
	return err
}

// Close flushes and keeps the file.
func (s *FileSink) Close() error {
	return s.f.Close()
}

// Abort closes and removes the partial file.
func (s *FileSink) Abort() error {
	if err := s.f.Close(); err != nil {
		os.Remove(s.path)
		return err
	}
	return os.Remove(s.path)
}

// Transfer consumes the fragment stream of one browser-delivered run.
type Transfer struct {
	policyName string
	sink       Sink
	log        *logging.Logger

	mu           sync.Mutex
	bytesWritten int64
	dropped      int
	finished     bool
}

// NewTransfer wires a sink to a policy's fragment stream.
func NewTransfer(policyName string, sink Sink, log *logging.Logger) *Transfer {
	if log == nil {
		log = logging.Nop()
	}
	return &Transfer{policyName: policyName, sink: sink, log: log}
}

// PolicyName returns the owning policy.
func (t *Transfer) PolicyName() string {
	return t.policyName
}

// Consume handles one inbound fragment. A fragment that fails to decode is
// logged and dropped, leaving a gap in the archive rather than killing the
// run; delivery is explicitly best-effort. Finished closes the sink and
// seals the transfer.
func (t *Transfer) Consume(chunk protocol.ZipChunkPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return nil
	}
	if chunk.Chunk != "" {
		raw, err := base64.StdEncoding.DecodeString(chunk.Chunk)
		if err != nil {
			t.dropped++
			t.log.Warn().Err(err).Str("policy", t.policyName).Msg("dropping undecodable archive fragment")
		} else if err := t.sink.Write(raw); err != nil {
			t.finished = true
			t.sink.Abort()
			return fmt.Errorf("write archive fragment: %w", err)
		} else {
			t.bytesWritten += int64(len(raw))
		}
	}
	if chunk.Finished {
		t.finished = true
		if err := t.sink.Close(); err != nil {
			return fmt.Errorf("close archive: %w", err)
		}
	}
	return nil
}

// Fail aborts the transfer, discarding the partial archive. Called when the
// run fails while the transfer is open. No-op once sealed.
func (t *Transfer) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.sink.Abort()
}

// CloseKeep seals the transfer keeping what was written. Called on
// interruption: partial results are promised to the user.
func (t *Transfer) CloseKeep() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	t.finished = true
	return t.sink.Close()
}

// BytesWritten returns how many decoded bytes reached the sink.
func (t *Transfer) BytesWritten() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesWritten
}

// Dropped returns how many fragments failed to decode.
func (t *Transfer) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Finished reports whether the transfer is sealed.
func (t *Transfer) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}
