// Package journal records what a session saw and decided (push frames, mutation
// outcomes, resyncs) as hourly zstd-compressed JSON lines.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"tonempire.game/internal/game"
)

const (
	KindPush     = "push"
	KindMutation = "mutation"
	KindResync   = "resync"
)

// Entry is one journal line. Push entries keep the raw payload so a journal can be
// replayed into an empty store.
type Entry struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`

	Type    string          `json:"type,omitempty"`
	Version int64           `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  string          `json:"result,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
	Intent        string `json:"intent,omitempty"`
	Target        string `json:"target,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	Error         string `json:"error,omitempty"`

	Digest string `json:"digest,omitempty"`
}

// Snapshot is the payload of a resync entry.
type Snapshot struct {
	District  game.District   `json:"district"`
	Buildings []game.Building `json:"buildings"`
}

// Journal appends entries to hourly zstd-compressed JSON lines files named
// session-YYYY-MM-DD-HH.jsonl.zst. Every entry is flushed as its own frame, so a crash
// loses at most the entry being written. Journal is safe for concurrent use. A nil
// *Journal discards everything.
type Journal struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	segment time.Time
	f       *os.File
	zw      *zstd.Encoder
	enc     *json.Encoder
}

func Open(dir string) *Journal {
	return &Journal{dir: dir, now: time.Now}
}

func segmentName(hour time.Time) string {
	return "session-" + hour.Format("2006-01-02-15") + ".jsonl.zst"
}

// Record stamps e with the journal clock and appends it to the file for that hour.
func (j *Journal) Record(e Entry) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()
	if e.Time.IsZero() {
		e.Time = now
	}
	if hour := now.Truncate(time.Hour); j.f == nil || !hour.Equal(j.segment) {
		if err := j.openSegment(hour); err != nil {
			return err
		}
	}
	if err := j.enc.Encode(e); err != nil {
		j.closeSegment()
		return fmt.Errorf("journal %s: %w", e.Kind, err)
	}
	if err := j.zw.Flush(); err != nil {
		j.closeSegment()
		return fmt.Errorf("journal flush: %w", err)
	}
	return nil
}

func (j *Journal) openSegment(hour time.Time) error {
	if err := j.closeSegment(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(j.dir, segmentName(hour)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.segment = hour
	j.f = f
	j.zw = zw
	j.enc = json.NewEncoder(zw)
	return nil
}

func (j *Journal) closeSegment() error {
	if j.f == nil {
		return nil
	}
	zerr := j.zw.Close()
	ferr := j.f.Close()
	j.f, j.zw, j.enc = nil, nil, nil
	if zerr != nil {
		return zerr
	}
	return ferr
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeSegment()
}

// Files lists the journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(dir, "session-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile decodes every entry of one journal file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return out, fmt.Errorf("%s line %d: %w", filepath.Base(path), len(out)+1, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return out, err
	}
	return out, nil
}
