package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"sharefast_relay/internal/errs"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	logSuffix         = "_relay.ndjson"
	maxAppendAttempts = 16
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// HybridChannel resolves peers through the directory but keeps payloads out
// of the database: each recipient has an append-only newline-delimited log.
// Receive takes the whole log over by renaming it, so a record is handed to
// exactly one reader.
type HybridChannel struct {
	dir   string
	peers PeerResolver
	clock clock.Clock
}

type logRecord struct {
	Type      MessageType `json:"type"`
	Data      []byte      `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

func NewHybridChannel(dir string, peers PeerResolver, clk clock.Clock) (*HybridChannel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create relay storage: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HybridChannel{dir: dir, peers: peers, clock: clk}, nil
}

func (c *HybridChannel) logPath(sessionID string) (string, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", fmt.Errorf("%w: malformed session id", errs.ErrSessionNotFound)
	}
	return filepath.Join(c.dir, sessionID+logSuffix), nil
}

func (c *HybridChannel) Send(ctx context.Context, sessionID, code string, t MessageType, payload []byte) error {
	if !t.Valid() {
		_, err := ParseMessageType(string(t))
		return err
	}
	peer, err := resolvePeer(ctx, c.peers, sessionID, code)
	if err != nil {
		return err
	}
	path, err := c.logPath(peer)
	if err != nil {
		return err
	}

	line, err := json.Marshal(logRecord{Type: t, Data: payload, Timestamp: c.clock.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode relay record: %w", err)
	}
	return appendLine(path, append(line, '\n'))
}

// appendLine writes one record under an exclusive lock. If a reader renamed
// the log between our open and our lock, the record would land in a file that
// is already being drained, so the write is retried against the new log.
func appendLine(path string, line []byte) error {
	for range maxAppendAttempts {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("open relay log: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			f.Close()
			return fmt.Errorf("lock relay log: %w", err)
		}

		if !stillAt(f, path) {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			continue
		}

		_, werr := f.Write(line)
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("append relay log: %w", werr)
		}
		return cerr
	}
	return fmt.Errorf("append relay log: %s was handed off %d times in a row", filepath.Base(path), maxAppendAttempts)
}

func stillAt(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

func (c *HybridChannel) Receive(_ context.Context, sessionID, _ string) ([]Message, error) {
	path, err := c.logPath(sessionID)
	if err != nil {
		return nil, err
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%s", path, c.clock.Now().UnixNano(), uuid.NewString())
	err = os.Rename(path, tmp)
	switch {
	case err == nil:
		return drainHandedOff(tmp)
	case errors.Is(err, fs.ErrNotExist):
		return []Message{}, nil
	default:
		slog.Warn("relay log rename failed, draining in place", "path", path, "error", err)
		return drainLocked(path)
	}
}

// drainHandedOff reads a renamed log. Taking the lock first waits out a writer
// that locked the file just before the rename.
func drainHandedOff(tmp string) ([]Message, error) {
	f, err := os.Open(tmp)
	if err != nil {
		return nil, fmt.Errorf("open handed-off relay log: %w", err)
	}
	defer os.Remove(tmp)
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock handed-off relay log: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return readRecords(f)
}

// drainLocked empties the log in place, waiting for any writer holding the
// lock to finish.
func drainLocked(path string) ([]Message, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open relay log: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock relay log: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	msgs, err := readRecords(f)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("truncate relay log: %w", err)
	}
	return msgs, nil
}

func readRecords(r io.Reader) ([]Message, error) {
	msgs := []Message{}
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var rec logRecord
			if jerr := json.Unmarshal(line, &rec); jerr == nil && rec.Type.Valid() {
				msgs = append(msgs, Message{
					Type:      rec.Type,
					Payload:   rec.Data,
					Timestamp: time.UnixMilli(rec.Timestamp),
				})
			}
		}
		if errors.Is(err, io.EOF) {
			return msgs, nil
		}
		if err != nil {
			return msgs, fmt.Errorf("read relay log: %w", err)
		}
	}
}

func (c *HybridChannel) Purge(_ context.Context, sessionIDs ...string) error {
	var errList []error
	for _, id := range sessionIDs {
		path, err := c.logPath(id)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
