package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	desiredFileName = "desired.json"
	statusFileName  = "status.json"
)

// Desired is the operator's intent for the gateway.
type Desired string

const (
	DesiredRunning Desired = "running"
	DesiredStopped Desired = "stopped"
)

// DesiredState is the persisted intent plus the most recently spawned pid.
// PID is cleared whenever that process is confirmed gone.
type DesiredState struct {
	Desired   Desired   `json:"desired"`
	PID       *int      `json:"pid"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// State is a lifecycle state of the gateway.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Target is the address the gateway serves on.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ExitInfo records how the last process terminated.
type ExitInfo struct {
	Code   *int      `json:"code"`
	Signal *string   `json:"signal"`
	At     time.Time `json:"at"`
}

// LiveStatus is the published view of the lifecycle. Consumers get copies.
type LiveStatus struct {
	State        State      `json:"state"`
	PID          *int       `json:"pid"`
	Target       Target     `json:"target"`
	StartedAt    *time.Time `json:"startedAt"`
	ReadyAt      *time.Time `json:"readyAt"`
	RestartCount int        `json:"restartCount"`
	LastExit     *ExitInfo  `json:"lastExit"`
	LastError    *string    `json:"lastError"`
	Adopted      bool       `json:"adopted,omitempty"`
	Health       string     `json:"health,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (s LiveStatus) Clone() LiveStatus {
	c := s
	c.PID = clonePtr(s.PID)
	c.StartedAt = clonePtr(s.StartedAt)
	c.ReadyAt = clonePtr(s.ReadyAt)
	c.LastError = clonePtr(s.LastError)
	if s.LastExit != nil {
		e := *s.LastExit
		e.Code = clonePtr(s.LastExit.Code)
		e.Signal = clonePtr(s.LastExit.Signal)
		c.LastExit = &e
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }

func pidOf(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// DesiredStore persists DesiredState at <dir>/desired.json.
type DesiredStore struct {
	path string
	mu   sync.Mutex
}

// NewDesiredStore returns a store rooted at dir. Nothing is written until the first save.
func NewDesiredStore(dir string) *DesiredStore {
	return &DesiredStore{path: filepath.Join(dir, desiredFileName)}
}

// Path returns the file location.
func (s *DesiredStore) Path() string { return s.path }

// Load reads the desired state. A missing file yields {desired: running, pid: null}.
// An unreadable file yields the same default along with the error.
func (s *DesiredStore) Load() (DesiredState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUnsafe()
}

func (s *DesiredStore) loadUnsafe() (DesiredState, error) {
	def := DesiredState{Desired: DesiredRunning}
	var d DesiredState
	found, err := readJSON(s.path, &d)
	if err != nil {
		return def, fmt.Errorf("reading desired state: %w", err)
	}
	if !found {
		return def, nil
	}
	if d.Desired != DesiredRunning && d.Desired != DesiredStopped {
		d.Desired = DesiredRunning
	}
	if d.PID != nil && *d.PID <= 0 {
		d.PID = nil
	}
	return d, nil
}

// Save overwrites the file with d.
func (s *DesiredStore) Save(d DesiredState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	return writeJSON(s.path, d)
}

// SetDesired records the operator's intent, keeping the stored pid.
func (s *DesiredStore) SetDesired(desired Desired) error {
	return s.update(func(d *DesiredState) { d.Desired = desired })
}

// SetPID records the pid of a freshly spawned or adopted process.
func (s *DesiredStore) SetPID(pid int) error {
	return s.update(func(d *DesiredState) { d.PID = ptr(pid) })
}

// ClearPID clears the stored pid if it equals pid. A pid of 0 clears unconditionally.
func (s *DesiredStore) ClearPID(pid int) error {
	return s.update(func(d *DesiredState) {
		if pid == 0 || pidOf(d.PID) == pid {
			d.PID = nil
		}
	})
}

func (s *DesiredStore) update(fn func(*DesiredState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An unreadable file is replaced rather than blocking the update.
	d, _ := s.loadUnsafe()
	fn(&d)
	d.UpdatedAt = time.Now().UTC()
	return writeJSON(s.path, d)
}

// StatusStore persists LiveStatus at <dir>/status.json.
type StatusStore struct {
	path string
	mu   sync.Mutex
}

// NewStatusStore returns a store rooted at dir.
func NewStatusStore(dir string) *StatusStore {
	return &StatusStore{path: filepath.Join(dir, statusFileName)}
}

// Path returns the file location.
func (s *StatusStore) Path() string { return s.path }

// Load reads the status file. A missing file yields a stopped status for target.
func (s *StatusStore) Load(target Target) (LiveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadStatus(s.path, target)
}

// Save overwrites the file with st.
func (s *StatusStore) Save(st LiveStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, st)
}

// ReadStatus reads a status file written by a supervisor, possibly in another process.
func ReadStatus(path string, target Target) (LiveStatus, error) {
	def := LiveStatus{State: StateStopped, Target: target}
	var st LiveStatus
	found, err := readJSON(path, &st)
	if err != nil {
		return def, fmt.Errorf("reading status: %w", err)
	}
	if !found {
		return def, nil
	}
	return st, nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSON replaces path in one rename so readers never see a partial file.
// A second supervisor may write concurrently, so the temp name is unique.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
