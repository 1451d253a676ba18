// Package cache persists the peer the host last chose, so the daemon can
// reconnect to it at startup.
package cache

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
)

type record struct {
	Peer    shieldlink.PeerID `json:"peer"`
	Updated time.Time         `json:"updated"`
}

type peerStore struct {
	filename string
	lock     sync.RWMutex
}

// New returns a PeerStore backed by filename. The file is created on the
// first Store.
func New(filename string) shieldlink.PeerStore {
	return &peerStore{filename: filename}
}

func (ps *peerStore) Store(peer shieldlink.PeerID) error {
	if peer.IsZero() {
		return errors.New("refusing to store an empty peer")
	}

	ps.lock.Lock()
	defer ps.lock.Unlock()

	out, err := jsoniter.Marshal(record{Peer: peer, Updated: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "encode peer")
	}
	if err := os.MkdirAll(filepath.Dir(ps.filename), 0755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(ps.filename))
	}

	// write then rename so a crash never leaves a torn file
	tmp := ps.filename + ".tmp"
	if err := ioutil.WriteFile(tmp, out, 0644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, ps.filename), "rename %s", tmp)
}

// Load returns the zero PeerID when nothing is stored.
func (ps *peerStore) Load() (shieldlink.PeerID, error) {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	in, err := ioutil.ReadFile(ps.filename)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read %s", ps.filename)
	}

	var r record
	if err := jsoniter.Unmarshal(in, &r); err != nil {
		return "", errors.Wrapf(err, "decode %s", ps.filename)
	}
	return shieldlink.NewPeerID(string(r.Peer)), nil
}

func (ps *peerStore) Clear() error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	err := os.Remove(ps.filename)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", ps.filename)
	}
	return nil
}
