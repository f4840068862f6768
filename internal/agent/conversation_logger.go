package agent

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogger records questions and answers as newline-delimited JSON.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogEvent is one line in a conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscPattern      = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// cleanForReadability strips terminal escape sequences and control characters.
func cleanForReadability(s string) string {
	s = oscPattern.ReplaceAllString(s, "")
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// maxOpenLogFiles caps the cached per-session file handles.
const maxOpenLogFiles = 64

// fileConversationLogger writes events from a bounded queue on a single goroutine.
// Events are dropped when the queue is full.
type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	filesMu  sync.Mutex
	files    map[string]*list.Element // path -> element in lru
	lru      *list.List               // *openLogFile, most recently used first
	maxFiles int
}

type openLogFile struct {
	path string
	f    *os.File
}

// NewConversationLogger creates a conversation logger. A disabled config yields a no-op logger.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}

	l := newFileConversationLogger(cfg, logger)
	go l.run()
	return l, nil
}

func newFileConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) *fileConversationLogger {
	return &fileConversationLogger{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan ConversationLogEvent, cfg.QueueSize),
		done:     make(chan struct{}),
		files:    make(map[string]*list.Element),
		lru:      list.New(),
		maxFiles: maxOpenLogFiles,
	}
}

// Log enqueues an event without blocking.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"user_id", event.UserID,
			"event_type", event.EventType,
		)
	}
}

// Close drains the queue and closes every open file.
func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done

	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	var firstErr error
	for l.lru.Len() > 0 {
		if err := l.evictOldest(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to marshal conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		l.write(l.sessionPath(event), line)
		if l.cfg.GlobalEnabled {
			l.write(l.cfg.GlobalPath, line)
		}
	}
}

func (l *fileConversationLogger) sessionPath(event ConversationLogEvent) string {
	return filepath.Join(l.cfg.Dir, safePathPart(event.UserID), safePathPart(event.SessionID)+".ndjson")
}

func (l *fileConversationLogger) write(path string, line []byte) {
	f, err := l.open(path)
	if err != nil {
		l.logger.Warn("failed to open conversation log", "path", path, "error", err)
		return
	}
	if _, err := f.Write(line); err != nil {
		l.logger.Warn("failed to write conversation log", "path", path, "error", err)
	}
}

// open returns a cached handle for path, closing the least recently used
// handle once more than maxFiles are open.
func (l *fileConversationLogger) open(path string) (*os.File, error) {
	l.filesMu.Lock()
	defer l.filesMu.Unlock()

	if el, ok := l.files[path]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*openLogFile).f, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // Path components are sanitized
	if err != nil {
		return nil, err
	}
	l.files[path] = l.lru.PushFront(&openLogFile{path: path, f: f})

	for l.lru.Len() > l.maxFiles {
		if err := l.evictOldest(); err != nil {
			l.logger.Warn("failed to close conversation log", "error", err)
		}
	}
	return f, nil
}

// evictOldest closes the least recently used handle. Callers hold filesMu.
func (l *fileConversationLogger) evictOldest() error {
	el := l.lru.Back()
	if el == nil {
		return nil
	}
	entry := l.lru.Remove(el).(*openLogFile)
	delete(l.files, entry.path)
	if err := entry.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", entry.path, err)
	}
	return nil
}

func (l *fileConversationLogger) openFiles() int {
	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	return l.lru.Len()
}

func safePathPart(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}
