/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package failure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Reason tags used in failure file names.
const (
	ReasonNoToAddress   = "no-to-address"
	ReasonUnknownDomain = "unknown-domain"

	reasonAPIErrorPrefix = "api-error-"

	fileSuffix = ".eml"
)

// maxCollisionAttempts bounds how often the timestamp is bumped when a
// file of the same name already exists.
const maxCollisionAttempts = 1000

// APIErrorReason returns the reason tag for a delivery failure to the named
// environment, in the form used for the file name.
func APIErrorReason(environment string) string {
	return sanitizeReason(reasonAPIErrorPrefix + environment)
}

// Store writes undeliverable raw messages into a directory, one file per
// message. Files are created once and never modified, cleanup is left to
// operations.
type Store struct {
	mutex sync.Mutex

	dir string
	now func() time.Time
}

// NewStore creates a Store for dir. The directory is created on first use.
func NewStore(dir string) *Store {
	return &Store{
		dir: dir,
		now: time.Now,
	}
}

// Dir returns the directory where failures are stored.
func (s *Store) Dir() string {
	return s.dir
}

// Persist writes data verbatim to <unix-ms>-<reason>.eml and returns the
// full path of the created file.
func (s *Store) Persist(data []byte, reason string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.dir == "" {
		return "", errors.New("no failure directory configured")
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create failure directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("failed to create failure file: %w", err)
	}
	tmpFn := tmp.Name()
	defer os.Remove(tmpFn)

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write failure file: %w", err)
	}

	reason = sanitizeReason(reason)
	ts := s.now().UnixNano() / int64(time.Millisecond)
	for i := 0; i < maxCollisionAttempts; i++ {
		fn := filepath.Join(s.dir, strconv.FormatInt(ts+int64(i), 10)+"-"+reason+fileSuffix)
		linkErr := os.Link(tmpFn, fn)
		if linkErr == nil {
			return fn, nil
		}
		if !os.IsExist(linkErr) {
			return "", fmt.Errorf("failed to store failure file: %w", linkErr)
		}
	}

	return "", fmt.Errorf("failed to store failure file: too many name collisions")
}

// sanitizeReason keeps reason tags safe for use in file names.
func sanitizeReason(reason string) string {
	reason = strings.ToLower(reason)
	var b strings.Builder
	for _, r := range reason {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// Record describes a stored failure file.
type Record struct {
	Path      string
	Timestamp time.Time
	Reason    string
}

// ParseFileName extracts timestamp and reason from a failure file name.
func ParseFileName(name string) (*Record, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, fileSuffix) {
		return nil, fmt.Errorf("not a failure file: %s", base)
	}
	parts := strings.SplitN(strings.TrimSuffix(base, fileSuffix), "-", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("not a failure file: %s", base)
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid failure file timestamp: %w", err)
	}
	return &Record{
		Path:      name,
		Timestamp: time.Unix(0, ms*int64(time.Millisecond)),
		Reason:    parts[1],
	}, nil
}

// List returns all failure records in the store directory sorted by name.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		record, parseErr := ParseFileName(filepath.Join(s.dir, entry.Name()))
		if parseErr != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
