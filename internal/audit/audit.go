// Package audit implements the tamper-evident issuance and verification
// trail: an append-only JSONL log where every entry is HMAC-signed over its
// own canonical data plus the previous entry's HMAC, forming a hash chain
// anchored at a fixed genesis value.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types recorded in the audit trail.
const (
	EventIssued   = "issued"
	EventVerified = "verified"
	EventRejected = "rejected"
	EventRevoked  = "revoked"
)

// SubjectUnknown is recorded when the input was too malformed to carry a serial.
const SubjectUnknown = "unknown"

// genesisHash anchors the chain. The first entry's prev_hash is the HMAC of
// this constant under the audit key, so two logs with different keys never
// share a valid prefix.
const genesisHash = "warden-audit-genesis"

var (
	// ErrClosed indicates the logger has been closed.
	ErrClosed = errors.New("audit log is closed")
	// ErrChainBroken indicates chain verification found a tampered entry.
	ErrChainBroken = errors.New("audit chain broken")
)

// Event is the caller-supplied portion of an audit entry.
type Event struct {
	Type       string
	Subject    string
	Result     string
	KeyVersion int
}

// Entry is a single stored audit record.
type Entry struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"ts"`
	Type       string    `json:"event_type"`
	Subject    string    `json:"subject"`
	Result     string    `json:"result"`
	KeyVersion int       `json:"key_version,omitempty"`
	PrevHash   string    `json:"prev_hash"`
	EntryHMAC  string    `json:"entry_hmac"`
}

// canonical returns the deterministic byte form of the entry that the HMAC
// covers. The entry_hmac field itself is excluded. The timestamp is covered
// at full nanosecond resolution, matching what the stored RFC 3339 form
// carries.
func (e *Entry) canonical() []byte {
	fields := []string{
		strconv.FormatUint(e.Seq, 10),
		strconv.FormatInt(e.Timestamp.UTC().UnixNano(), 10),
		e.Type,
		e.Subject,
		e.Result,
		strconv.Itoa(e.KeyVersion),
	}
	out := make([]byte, 0, 64)
	for i, f := range fields {
		if i > 0 {
			out = append(out, '|')
		}
		out = append(out, f...)
	}
	return out
}

// Logger appends hash-chained entries to a log file. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	key      []byte
	prevHash string
	seq      uint64
	now      func() time.Time
	logger   zerolog.Logger
}

// Open opens (or creates) the audit log at path and replays the existing
// chain to recover the sequence number and previous hash. An existing log
// that fails chain verification is refused: appending to a tampered log
// would hide the tampering.
func Open(path string, key []byte, logger zerolog.Logger) (*Logger, error) {
	if len(key) == 0 {
		return nil, errors.New("audit key is required")
	}

	l := &Logger{
		key:      key,
		prevHash: seal(key, nil, []byte(genesisHash)),
		now:      time.Now,
		logger:   logger.With().Str("component", "audit").Logger(),
	}

	if existing, err := os.Open(path); err == nil {
		last, seq, idx, verr := verifyChain(existing, key)
		existing.Close()
		if verr != nil {
			return nil, fmt.Errorf("existing audit log failed verification at entry %d: %w", idx, verr)
		}
		if seq > 0 {
			l.seq = seq
			l.prevHash = last
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = file
	return l, nil
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Append records an event and returns the new entry's HMAC. The entry is
// durably written before Append returns so a denial can always be explained
// after the fact.
func (l *Logger) Append(e Event) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return "", ErrClosed
	}

	l.seq++
	entry := Entry{
		Seq:        l.seq,
		Timestamp:  l.now().UTC(),
		Type:       e.Type,
		Subject:    e.Subject,
		Result:     e.Result,
		KeyVersion: e.KeyVersion,
		PrevHash:   l.prevHash,
	}
	entry.EntryHMAC = seal(l.key, []byte(entry.PrevHash), entry.canonical())

	line, err := json.Marshal(entry)
	if err != nil {
		l.seq--
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.seq--
		return "", fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return "", fmt.Errorf("sync audit log: %w", err)
	}

	l.prevHash = entry.EntryHMAC
	l.logger.Debug().
		Uint64("seq", entry.Seq).
		Str("event_type", entry.Type).
		Str("subject", entry.Subject).
		Str("result", entry.Result).
		Msg("audit entry appended")
	return entry.EntryHMAC, nil
}

// VerifyChain recomputes the entire chain in the log file at path. It
// returns true when every entry checks out; on a mismatch it returns false
// and the zero-based index of the first offending entry.
func VerifyChain(path string, key []byte) (bool, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// An empty log is a valid (empty) chain.
			return true, -1, nil
		}
		return false, -1, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	_, _, idx, err := verifyChain(f, key)
	if err != nil {
		if errors.Is(err, ErrChainBroken) {
			return false, idx, nil
		}
		return false, idx, err
	}
	return true, -1, nil
}

// verifyChain walks the chain and returns the last entry's HMAC, the last
// sequence number, and the index of the first bad entry on failure.
func verifyChain(r io.Reader, key []byte) (lastHash string, lastSeq uint64, badIndex int, err error) {
	prev := seal(key, nil, []byte(genesisHash))
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	idx := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if uerr := json.Unmarshal(line, &entry); uerr != nil {
			return "", 0, idx, fmt.Errorf("%w: entry %d is not valid JSON", ErrChainBroken, idx)
		}
		if entry.PrevHash != prev {
			return "", 0, idx, fmt.Errorf("%w: entry %d prev_hash mismatch", ErrChainBroken, idx)
		}
		want := seal(key, []byte(entry.PrevHash), entry.canonical())
		if !hmac.Equal([]byte(want), []byte(entry.EntryHMAC)) {
			return "", 0, idx, fmt.Errorf("%w: entry %d hmac mismatch", ErrChainBroken, idx)
		}

		prev = entry.EntryHMAC
		lastSeq = entry.Seq
		idx++
	}
	if serr := scanner.Err(); serr != nil {
		return "", 0, idx, fmt.Errorf("read audit log: %w", serr)
	}
	return prev, lastSeq, -1, nil
}

// seal computes hex(HMAC-SHA256(key, prefix || data)).
func seal(key, prefix, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(prefix)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
