package tokenstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"line-token-relay/internal/domain"
)

// JournalHeader opens every file written by FileJournal. Files without it are
// read as the legacy format.
const JournalHeader = "# line-token-relay journal v1"

// FileJournal is an append-only flat file with one "token,userId" record per line.
type FileJournal struct {
	path string
	mu   sync.Mutex
	log  *slog.Logger
}

func NewFileJournal(path string, logger *slog.Logger) (*FileJournal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("tokenstore: journal path must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileJournal{path: path, log: logger}, nil
}

func (j *FileJournal) Path() string {
	return j.path
}

// Load reads every record in file order. A missing file is created empty and
// yields no records.
func (j *FileJournal) Load(ctx context.Context) ([]domain.TokenRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		j.log.Info("token journal not found, creating", "path", j.path)
		if err := j.createLocked(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var recs []domain.TokenRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tokenstore: read journal: %w", err)
		}
		if blank(fields) {
			continue
		}
		rec, ok := parseRecord(fields)
		if !ok {
			line, _ := r.FieldPos(0)
			j.log.Warn("skipping malformed journal record", "path", j.path, "line", line)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Append writes rec as a single line.
func (j *FileJournal) Append(_ context.Context, rec domain.TokenRecord) error {
	if rec.Token == "" || rec.UserID == "" {
		return errors.New("tokenstore: journal record needs token and user id")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("tokenstore: open journal for append: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{rec.Token, rec.UserID}); err != nil {
		_ = f.Close()
		return fmt.Errorf("tokenstore: append journal: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("tokenstore: append journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("tokenstore: close journal: %w", err)
	}
	return nil
}

func (j *FileJournal) createLocked() error {
	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("tokenstore: create journal dir: %w", err)
		}
	}
	if err := os.WriteFile(j.path, []byte(JournalHeader+"\n"), 0o600); err != nil {
		return fmt.Errorf("tokenstore: create journal: %w", err)
	}
	return nil
}

// parseRecord accepts "token,userId". Legacy files carry a stray comma after
// every newline, so leading empty fields are dropped first.
func parseRecord(fields []string) (domain.TokenRecord, bool) {
	for len(fields) > 0 && strings.TrimSpace(fields[0]) == "" {
		fields = fields[1:]
	}
	if len(fields) != 2 {
		return domain.TokenRecord{}, false
	}
	token := strings.TrimSpace(fields[0])
	userID := strings.TrimSpace(fields[1])
	if token == "" || userID == "" {
		return domain.TokenRecord{}, false
	}
	return domain.TokenRecord{Token: token, UserID: userID}, true
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
