package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/0xlemi/pitchpro/internal/device"
)

// ErrNoRecord is returned when a store has nothing for a device class
var ErrNoRecord = errors.New("no calibration record")

// Record is a persisted calibration
type Record struct {
	DeviceClass device.Class   `json:"deviceClass"`
	Profile     device.Profile `json:"deviceProfile"`
	Data        Data           `json:"calibrationData"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Store persists calibration records keyed by device class
type Store interface {
	Load(class device.Class) (Record, error)
	Save(r Record) error
	Delete(class device.Class) error
}

// FileStore keeps one JSON file per device class in a directory
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory holding the records
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(class device.Class) string {
	return filepath.Join(s.dir, fmt.Sprintf("calibration_%s.json", class))
}

// Load reads the record of class
func (s *FileStore) Load(class device.Class) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(class))
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading calibration: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decoding calibration %s: %w", s.path(class), err)
	}
	return r, nil
}

// Save writes r, replacing any record of the same class
func (s *FileStore) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding calibration: %w", err)
	}

	// write then rename so a crash never leaves half a record
	path := s.path(r.DeviceClass)
	tmp, err := os.CreateTemp(s.dir, ".calibration-*")
	if err != nil {
		return fmt.Errorf("writing calibration: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing calibration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing calibration: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing calibration: %w", err)
	}
	return nil
}

// Delete removes the record of class. A missing record is not an error.
func (s *FileStore) Delete(class device.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(class))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting calibration: %w", err)
	}
	return nil
}

// MemoryStore keeps records in memory
type MemoryStore struct {
	mu      sync.Mutex
	records map[device.Class]Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[device.Class]Record)}
}

func (s *MemoryStore) Load(class device.Class) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[class]
	if !ok {
		return Record{}, ErrNoRecord
	}
	return r, nil
}

func (s *MemoryStore) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.DeviceClass] = r
	return nil
}

func (s *MemoryStore) Delete(class device.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, class)
	return nil
}
