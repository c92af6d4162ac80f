package repo

import (
	"fmt"
	"sync/atomic"

	"github.com/palss/localsync/internal/models"
)

// Mode selects which backend the factory hands out.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// ParseMode validates a mode string from config or CLI input.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocal, ModeRemote:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown data mode %q", s)
}

// Factory resolves the active backend per call from the process-wide data
// mode. Switching the mode takes effect for all subsequent calls; no
// component holds a backend directly.
type Factory struct {
	local  Backends
	remote Backends
	mode   atomic.Value // Mode
}

// NewFactory builds a factory. remote may be nil when no remote service is
// configured; the factory then refuses to enter remote mode.
func NewFactory(local, remote Backends, initial Mode) (*Factory, error) {
	f := &Factory{local: local, remote: remote}
	f.mode.Store(ModeLocal)
	if initial != ModeLocal {
		if err := f.SetMode(initial); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Mode returns the current data mode.
func (f *Factory) Mode() Mode {
	return f.mode.Load().(Mode)
}

// SetMode switches the process-wide data mode.
func (f *Factory) SetMode(m Mode) error {
	if m == ModeRemote && f.remote == nil {
		return fmt.Errorf("remote backend not configured")
	}
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	f.mode.Store(m)
	return nil
}

// Repo returns the active backend's repository for an entity type.
func (f *Factory) Repo(entity models.EntityType) Repository {
	if f.Mode() == ModeRemote {
		return f.remote[entity]
	}
	return f.local[entity]
}

// Local returns the local backend's repository regardless of mode.
// The poller and the outbox use it to maintain the fallback cache.
func (f *Factory) Local(entity models.EntityType) Repository {
	return f.local[entity]
}

// Remote returns the remote backend's repository regardless of mode, or
// nil when no remote service is configured.
func (f *Factory) Remote(entity models.EntityType) Repository {
	if f.remote == nil {
		return nil
	}
	return f.remote[entity]
}
