package relayqueue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	networkStateFile     = "network.json"
	sessionStateFile     = "session.json"
	credentialsStateFile = "credentials.json"
)

type networkRecord struct {
	Offline bool `json:"offline"`
}

type sessionRecord struct {
	Token string `json:"token"`
}

// StorageWatcher is the persistent-store subscription: it hydrates the
// connectivity state from the on-disk network/session/credentials
// records at start (flipping hasReadRequiredData) and pushes every
// subsequent file change through the state setters, so an external
// process editing the records drives the dispatchers.
type StorageWatcher struct {
	dir     string
	state   *ConnState
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewStorageWatcher(dir string, state *ConnState, logger *zap.Logger) (*StorageWatcher, error) {
	if dir == "" || state == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageWatcher{dir: dir, state: state, logger: logger}, nil
}

// Start hydrates the state and begins watching for record changes.
func (w *StorageWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	w.loadNetwork()
	w.loadSession()
	w.loadCredentials()
	w.state.MarkStorageRead()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *StorageWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *StorageWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			switch filepath.Base(event.Name) {
			case networkStateFile:
				w.loadNetwork()
			case sessionStateFile:
				w.loadSession()
			case credentialsStateFile:
				w.loadCredentials()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("storage watch error", zap.Error(err))
		}
	}
}

func (w *StorageWatcher) loadNetwork() {
	var record networkRecord
	if !w.readRecord(networkStateFile, &record) {
		return
	}
	w.state.SetOffline(record.Offline)
}

func (w *StorageWatcher) loadSession() {
	var record sessionRecord
	if !w.readRecord(sessionStateFile, &record) {
		return
	}
	w.state.SetAuthToken(record.Token)
}

func (w *StorageWatcher) loadCredentials() {
	var record Credentials
	if !w.readRecord(credentialsStateFile, &record) {
		return
	}
	w.state.SetCredentials(record)
}

// readRecord reports whether the record existed and parsed. A missing
// file leaves the current state untouched.
func (w *StorageWatcher) readRecord(name string, out any) bool {
	data, err := os.ReadFile(filepath.Join(w.dir, name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("storage record read failed", zap.String("record", name), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		w.logger.Warn("storage record malformed", zap.String("record", name), zap.Error(err))
		return false
	}
	return true
}

// SaveSessionFile persists a refreshed token back to the session
// record, atomically, so the subscription round-trips it on the next
// cold start.
func SaveSessionFile(dir, token string) error {
	if dir == "" {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(sessionRecord{Token: token})
	if err != nil {
		return err
	}
	path := filepath.Join(dir, sessionStateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
