// Package audit keeps a tamper-evident, append-only journal of alert
// lifecycle actions. Entries are SHA-256 hash-chained JSON lines: each line
// records a sequence number, a timestamp, the action record, the previous
// entry's hash (prev_hash) and the hash of its own content (event_hash).
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, record, prev_hash}) )
//
// The first entry uses a prev_hash of 64 ASCII zero characters.
//
// # Thread safety
//
// Journal is safe for concurrent use. A mutex serialises all Record calls to
// keep the sequence number and prev_hash consistent.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// GenesisHash is the prev_hash of the first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Actions recorded in the journal.
const (
	ActionCreated      = "created"
	ActionAcknowledged = "acknowledged"
	ActionResolved     = "resolved"
	ActionUpdated      = "updated"
	ActionNotified     = "notified"
)

// Record is one alert lifecycle action.
type Record struct {
	Action   string `json:"action"`
	Actor    string `json:"actor"`
	AlertID  string `json:"alert_id"`
	SensorID string `json:"sensor_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Severity string `json:"severity,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Entry is one journal line as written to disk.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// entryContent is the hashed subset of Entry.
type entryContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
}

func (e Entry) content() entryContent {
	return entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Record: e.Record, PrevHash: e.PrevHash}
}

// Journal appends hash-chained entries to a file. Create one with Open; do
// not copy after first use.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens (or creates) the journal at path. An existing file is verified
// first so the chain continues from its last entry; a broken or malformed
// chain is an error.
func Open(path string) (*Journal, error) {
	prevHash := GenesisHash
	var seq int64

	if f, err := os.Open(path); err == nil {
		entries, verr := verify(f)
		f.Close()
		if verr != nil {
			return nil, fmt.Errorf("audit: existing journal %q: %w", path, verr)
		}
		if n := len(entries); n > 0 {
			prevHash = entries[n-1].EventHash
			seq = entries[n-1].Seq
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Journal{
		file:     f,
		prevHash: prevHash,
		seq:      seq,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record appends r to the journal and returns the written entry.
func (j *Journal) Record(r Record) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := Entry{
		Seq:       j.seq + 1,
		Timestamp: j.now(),
		Record:    r,
		PrevHash:  j.prevHash,
	}
	hash, err := hashContent(e.content())
	if err != nil {
		return Entry{}, err
	}
	e.EventHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	j.seq = e.Seq
	j.prevHash = e.EventHash
	return e, nil
}

// Close syncs and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return j.file.Close()
}

// Verify reads the journal at path and checks the full hash chain. It returns
// the ordered entries, or the first chain error encountered. An empty file is
// valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()
	return verify(f)
}

func verify(r io.Reader) ([]Entry, error) {
	var entries []Entry
	prevHash := GenesisHash
	var lastSeq int64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", lastSeq, err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		if e.Seq != lastSeq+1 {
			return nil, fmt.Errorf("audit: sequence gap: seq %d follows %d", e.Seq, lastSeq)
		}
		computed, err := hashContent(e.content())
		if err != nil {
			return nil, err
		}
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		entries = append(entries, e)
		prevHash = e.EventHash
		lastSeq = e.Seq
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return entries, nil
}

func hashContent(c entryContent) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry content: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
