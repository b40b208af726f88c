package driver

import (
	"context"

	"dnsgate/pkg/logging"
)

// consoleLogStore writes entries to the process logger and keeps
// nothing. List always returns an empty slice.
type consoleLogStore struct {
	logger *logging.Logger
}

func newConsoleLogStore(_ Options) (LogStore, error) {
	return &consoleLogStore{logger: logging.Global()}, nil
}

func (s *consoleLogStore) Append(_ context.Context, entry LogEntry) error {
	args := []any{"kind", entry.Kind}
	if entry.Kind == "query" {
		args = append(args,
			"domain", entry.Domain,
			"type", entry.QueryType,
			"client", entry.ClientAddr,
			"provider", entry.Provider,
			"rt_ms", entry.ResponseTimeMs,
			"cached", entry.Cached,
			"blocked", entry.Blocked,
		)
		if entry.Whitelisted {
			args = append(args, "whitelisted", true)
		}
	}
	if entry.Error != "" {
		args = append(args, "error", entry.Error)
	}

	msg := entry.Message
	if msg == "" {
		msg = "DNS query"
	}

	switch entry.Level {
	case "debug":
		s.logger.Debug(msg, args...)
	case "warn":
		s.logger.Warn(msg, args...)
	case "error":
		s.logger.Error(msg, args...)
	default:
		s.logger.Info(msg, args...)
	}
	return nil
}

func (s *consoleLogStore) List(_ context.Context, _ LogFilter) ([]LogEntry, error) {
	return nil, nil
}

func (s *consoleLogStore) Clear(_ context.Context) error { return nil }

func (s *consoleLogStore) Close() error { return nil }
