package history

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/CK6170/Spoolscale-go/internal/fsutil"
)

// FileStore persists the ring as newline-delimited decimals, oldest first.
// The whole file is rewritten on every append.
type FileStore struct {
	path string
	ring *Ring
	mu   sync.Mutex
}

// OpenFile loads path if it exists. A file holding more than capacity values
// is truncated to the newest ones.
func OpenFile(path string, capacity int) (*FileStore, error) {
	s := &FileStore{path: path, ring: NewRing(capacity)}
	values, err := readValues(path)
	if err != nil {
		return nil, err
	}
	s.ring.Load(values)
	return s, nil
}

func readValues(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var values []float64
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("history %s line %d: %w", path, line, err)
		}
		values = append(values, v)
	}
	return values, sc.Err()
}

// Append adds v and rewrites the file. On a write error the value stays in
// memory and the next successful append persists it.
func (s *FileStore) Append(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Add(v)
	return s.flush()
}

func (s *FileStore) Values() []float64 { return s.ring.Values() }

// Clear empties the buffer and removes the backing file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Reset()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove history: %w", err)
	}
	return nil
}

func (s *FileStore) flush() error {
	var b strings.Builder
	for _, v := range s.ring.Values() {
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		b.WriteByte('\n')
	}
	return fsutil.WriteAtomic(s.path, strings.NewReader(b.String()), 0o644)
}
