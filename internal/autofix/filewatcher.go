// internal/autofix/filewatcher.go
package autofix

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// FileLogWatcher is the bundled LogWatcher implementation: it reads service
// log files from a per-project directory layout,
// <log_dir>/<project>/<environment>/<service>.log, and turns contiguous
// error runs into normalized errors. Platform API watchers (hosting
// providers' deployment-log endpoints) implement the same interface.
type FileLogWatcher struct {
	logDir    string
	projectID string
	logger    *zap.Logger
}

// NewFileLogWatcher builds a watcher for one project's log directory.
func NewFileLogWatcher(logDir, projectID string, logger *zap.Logger) *FileLogWatcher {
	return &FileLogWatcher{
		logDir:    logDir,
		projectID: projectID,
		logger:    logger.Named("filewatcher"),
	}
}

// CanHandle reports whether this watcher serves the given project.
func (w *FileLogWatcher) CanHandle(projectID string) bool {
	if projectID != w.projectID {
		return false
	}
	info, err := os.Stat(filepath.Join(w.logDir, projectID))
	return err == nil && info.IsDir()
}

// FetchErrors reads the service log, groups error runs, and returns them in
// chronological order. Since and limit are best-effort: the caller dedups.
func (w *FileLogWatcher) FetchErrors(ctx context.Context, environmentID, serviceName string, opts FetchOptions) ([]NormalizedError, error) {
	logPath := filepath.Join(w.logDir, w.projectID, environmentID, serviceName+".log")

	t, err := tail.TailFile(logPath, tail.Config{
		Follow:    false,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	var lines []LogLine
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return w.normalize(lines, environmentID, serviceName, opts), nil
			}
			if line.Err != nil {
				w.logger.Warn("Error reading log line.", zap.String("path", logPath), zap.Error(line.Err))
				continue
			}
			lines = append(lines, parseLogLine(line.Text))
		}
	}
}

// normalize groups the raw lines and converts each error group into a
// NormalizedError, honoring the since/limit filters.
func (w *FileLogWatcher) normalize(lines []LogLine, environmentID, serviceName string, opts FetchOptions) []NormalizedError {
	var errs []NormalizedError
	for _, group := range GroupConsecutive(lines) {
		if !opts.Since.IsZero() && !group.Timestamp.After(opts.Since) {
			continue
		}
		if opts.Limit > 0 && len(errs) >= opts.Limit {
			break
		}

		e := NormalizedError{
			Timestamp:       group.Timestamp,
			Message:         group.Lines[0],
			ServiceName:     serviceName,
			EnvironmentName: environmentID,
			ProjectID:       w.projectID,
			RawLines:        group.Lines,
		}
		if len(group.Lines) > 1 {
			e.StackTrace = strings.Join(group.Lines[1:], "\n")
		}
		errs = append(errs, e)
	}
	return errs
}

// jsonLogEntry covers the common structured-log field spellings.
type jsonLogEntry struct {
	Ts        string `json:"ts"`
	Timestamp string `json:"timestamp"`
	Time      string `json:"time"`
	Level     string `json:"level"`
	Severity  string `json:"severity"`
	Msg       string `json:"msg"`
	Message   string `json:"message"`
}

// parseLogLine extracts timestamp, severity and message from one raw line.
// Structured JSON lines are unpacked; plain lines are scanned for a leading
// RFC3339 timestamp and severity token. Unparseable lines keep their full
// text as the message with a zero timestamp.
func parseLogLine(text string) LogLine {
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		var entry jsonLogEntry
		if err := json.Unmarshal([]byte(text), &entry); err == nil {
			line := LogLine{Message: firstNonEmpty(entry.Msg, entry.Message, text)}
			line.Severity = strings.ToLower(firstNonEmpty(entry.Level, entry.Severity))
			for _, ts := range []string{entry.Ts, entry.Timestamp, entry.Time} {
				if ts == "" {
					continue
				}
				if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					line.Timestamp = parsed
					break
				}
			}
			return line
		}
	}

	fields := strings.Fields(text)
	line := LogLine{Message: text}
	if len(fields) > 0 {
		if parsed, err := time.Parse(time.RFC3339Nano, fields[0]); err == nil {
			line.Timestamp = parsed
			rest := fields[1:]
			if len(rest) > 0 && isSeverityToken(rest[0]) {
				line.Severity = strings.ToLower(rest[0])
				rest = rest[1:]
			}
			line.Message = strings.Join(rest, " ")
		}
	}
	return line
}

func isSeverityToken(s string) bool {
	switch strings.ToUpper(s) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL", "PANIC":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// WatcherRegistry resolves and caches one LogWatcher per project. Watchers
// are constructed lazily, on the first watch that needs them.
type WatcherRegistry struct {
	factories []func(projectID string) LogWatcher
	cache     map[string]LogWatcher
	logger    *zap.Logger
}

// NewWatcherRegistry builds a registry over the given watcher factories.
func NewWatcherRegistry(logger *zap.Logger, factories ...func(projectID string) LogWatcher) *WatcherRegistry {
	return &WatcherRegistry{
		factories: factories,
		cache:     make(map[string]LogWatcher),
		logger:    logger.Named("watchers"),
	}
}

// ForProject returns the cached watcher for a project, constructing one from
// the first factory whose watcher can handle it.
func (r *WatcherRegistry) ForProject(projectID string) (LogWatcher, error) {
	if w, ok := r.cache[projectID]; ok {
		return w, nil
	}
	for _, factory := range r.factories {
		w := factory(projectID)
		if w.CanHandle(projectID) {
			r.cache[projectID] = w
			return w, nil
		}
	}
	return nil, fmt.Errorf("no log watcher can handle project %q", projectID)
}
