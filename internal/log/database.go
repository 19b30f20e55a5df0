package log

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createLogsTableSQL = `
CREATE TABLE IF NOT EXISTS logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    conn_id TEXT,
    channel_id TEXT,
    identity TEXT,
    extra TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_channel ON logs(channel_id);
`

// Attribute keys promoted to their own columns.
const (
	KeyConnID    = "conn_id"
	KeyChannelID = "channel_id"
	KeyIdentity  = "identity"
)

// dbSink is shared by a DBHandler and every handler derived from it.
type dbSink struct {
	mu        sync.Mutex
	db        *sql.DB
	stmt      *sql.Stmt
	retention int
	ticker    *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// DBHandler writes log records to a sqlite database.
type DBHandler struct {
	sink  *dbSink
	level slog.Level
	attrs []slog.Attr
	group string
}

// NewDBHandler opens (or creates) the log database at cfg.DBPath.
func NewDBHandler(cfg *Config, level slog.Level) (*DBHandler, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}

	if _, err := db.Exec(createLogsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create logs table: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO logs (timestamp, level, message, conn_id, channel_id, identity, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	sink := &dbSink{
		db:        db,
		stmt:      stmt,
		retention: cfg.RetentionDays,
		done:      make(chan struct{}),
	}
	sink.startCleanup()

	return &DBHandler{sink: sink, level: level}, nil
}

// Enabled reports whether the handler handles records at the given level.
func (h *DBHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes the record to the database.
func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	var connID, channelID, identity, extra sql.NullString
	extraData := make(map[string]any)

	collect := func(a slog.Attr) {
		switch a.Key {
		case KeyConnID:
			connID = sql.NullString{String: a.Value.String(), Valid: true}
		case KeyChannelID:
			channelID = sql.NullString{String: a.Value.String(), Valid: true}
		case KeyIdentity:
			identity = sql.NullString{String: a.Value.String(), Valid: true}
		default:
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			extraData[key] = a.Value.Any()
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	if len(extraData) > 0 {
		data, err := json.Marshal(extraData)
		if err == nil {
			extra = sql.NullString{String: string(data), Valid: true}
		}
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	_, err := h.sink.stmt.Exec(
		r.Time.UTC().Format(time.RFC3339),
		r.Level.String(),
		r.Message,
		connID,
		channelID,
		identity,
		extra,
	)
	return err
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup returns a handler that prefixes extra keys with name.
func (h *DBHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return &next
}

// Close stops retention cleanup and closes the database.
func (h *DBHandler) Close() error {
	return h.sink.close()
}

func (s *dbSink) startCleanup() {
	s.ticker = time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.runCleanup()
			case <-s.done:
				return
			}
		}
	}()
}

// runCleanup deletes entries older than the retention window.
func (s *dbSink) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention)
	s.db.Exec("DELETE FROM logs WHERE timestamp < ?", cutoff.Format(time.RFC3339))
}

func (s *dbSink) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.ticker.Stop()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.stmt.Close()
		err = s.db.Close()
	})
	return err
}
