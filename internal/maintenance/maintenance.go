// ABOUTME: File-flag maintenance mode shared with the host application
// ABOUTME: The presence of the flag file means the application is down; writes are atomic

package maintenance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// DefaultRetrySeconds is advertised to clients in the Retry-After sense.
const DefaultRetrySeconds = 60

// ErrNoFlagFile is returned when no flag path is configured.
var ErrNoFlagFile = errors.New("maintenance: flag file not configured")

// Payload is the JSON body of the flag file.
type Payload struct {
	Time   int64  `json:"time"`
	Retry  int    `json:"retry"`
	Secret string `json:"secret,omitempty"`
	Status int    `json:"status"`
}

// Flag toggles maintenance mode through a single file.
type Flag struct {
	path string
	now  func() time.Time
}

// NewFlag creates a Flag for path.
func NewFlag(path string) *Flag {
	return &Flag{path: path, now: time.Now}
}

// Path returns the flag file location.
func (f *Flag) Path() string {
	return f.path
}

// IsDown reports whether the flag file exists.
func (f *Flag) IsDown() (bool, error) {
	if f.path == "" {
		return false, ErrNoFlagFile
	}
	_, err := os.Stat(f.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking maintenance flag: %w", err)
	}
}

// Read returns the current payload, or nil when the application is live.
func (f *Flag) Read() (*Payload, error) {
	if f.path == "" {
		return nil, ErrNoFlagFile
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading maintenance flag: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding maintenance flag: %w", err)
	}
	return &p, nil
}

// Enable writes the flag file. changed is false when it already existed.
// secret, if set, lets the holder bypass maintenance in the host application.
func (f *Flag) Enable(secret string) (changed bool, err error) {
	down, err := f.IsDown()
	if err != nil {
		return false, err
	}
	if down {
		return false, nil
	}

	data, err := json.Marshal(Payload{
		Time:   f.now().Unix(),
		Retry:  DefaultRetrySeconds,
		Secret: secret,
		Status: 503,
	})
	if err != nil {
		return false, fmt.Errorf("encoding maintenance flag: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return false, fmt.Errorf("creating maintenance directory: %w", err)
	}
	if err := renameio.WriteFile(f.path, data, 0644); err != nil {
		return false, fmt.Errorf("writing maintenance flag: %w", err)
	}
	return true, nil
}

// Disable removes the flag file. changed is false when it was already absent.
func (f *Flag) Disable() (changed bool, err error) {
	if f.path == "" {
		return false, ErrNoFlagFile
	}
	err = os.Remove(f.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("removing maintenance flag: %w", err)
	}
}
