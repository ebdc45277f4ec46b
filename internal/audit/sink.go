// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxFileSize is the default max file size before rotation (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// =============================================================================
// SINK INTERFACE
// =============================================================================

// EventSink receives fully redacted audit events. Implementations must be
// safe for concurrent use.
type EventSink interface {
	// Write persists a single event.
	Write(event Event) error
	// Close releases sink resources. Write must not be called after Close.
	Close() error
}

// =============================================================================
// FILE SINK
// =============================================================================

// FileSink appends events as pipe-delimited lines with size-based rotation.
// Rotated segments keep a timestamp suffix next to the live file.
type FileSink struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	maxSize int64
}

// NewFileSink opens (or creates) the audit log at path.
func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileSink{
		path:    path,
		file:    file,
		maxSize: DefaultMaxFileSize,
	}, nil
}

// SetMaxSize sets the maximum file size before rotation.
func (s *FileSink) SetMaxSize(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = size
}

// Write appends one event and syncs to disk for durability.
func (s *FileSink) Write(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("audit file sink is closed")
	}

	if err := s.checkRotationLocked(); err != nil {
		return fmt.Errorf("audit rotation failed: %w", err)
	}

	if _, err := fmt.Fprintln(s.file, event.ToLogLine()); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Rotate rotates the log file, keeping the old file with a timestamp suffix.
func (s *FileSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *FileSink) rotateLocked() error {
	if s.file == nil {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	rotatedPath := fmt.Sprintf("%s_%s%s", base, timestamp, ext)

	if err := os.Rename(s.path, rotatedPath); err != nil {
		// Reopen the original so the sink stays usable after a failed rename.
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create new audit log after rotation: %w", err)
	}
	s.file = file
	return nil
}

func (s *FileSink) checkRotationLocked() error {
	if s.maxSize <= 0 {
		return nil
	}
	info, err := s.file.Stat()
	if err != nil {
		return nil // Ignore stat errors
	}
	if info.Size() >= s.maxSize {
		return s.rotateLocked()
	}
	return nil
}

// Path returns the audit log file path.
func (s *FileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// =============================================================================
// MULTI SINK
// =============================================================================

// multiSink fans one event out to several sinks. A failing sink does not
// stop delivery to the others; the first error is reported.
type multiSink struct {
	sinks []EventSink
}

// NewMultiSink combines sinks into one. Nil entries are skipped.
func NewMultiSink(sinks ...EventSink) EventSink {
	kept := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return &multiSink{sinks: kept}
}

func (m *multiSink) Write(event Event) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
