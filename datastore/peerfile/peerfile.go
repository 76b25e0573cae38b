// Package peerfile implements the peer.Store interface on top of a JSON file.
package peerfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"meshnode/datamodel/peer"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrStorage = errors.New("peer storage failure")

var _ peer.Store = (*Store)(nil)

// Store keeps the peer set in memory and rewrites the whole file on every mutation.
// The file is a JSON array of [host, port] pairs. A mutation is committed to memory only after the file has been
// written, so a failed save leaves both the file and the in-memory set as they were.
type Store struct {
	mu   sync.Mutex
	path string
	set  peer.Set
}

// Open loads the peer file at path. A missing file yields an empty set; a file that cannot be parsed is an error.
func Open(path string) (*Store, error) {
	path = filepath.Clean(path)

	s := &Store{
		path: path,
		set:  peer.NewSet(),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Infof("No peer file at %s, starting with an empty peer set", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrStorage, path, err)
	}

	var addrs []peer.Address
	if err := json.Unmarshal(data, &addrs); err != nil {
		return nil, fmt.Errorf("peer file %s is corrupted: %w", path, err)
	}
	s.set.Union(addrs)

	log.Infof("Loaded %d peers from %s", len(s.set), path)

	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Add(addr peer.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.set.Clone()
	if next.Add(addr) {
		log.Debugf("peerfile: adding %s", addr)
	}
	return s.commit(next)
}

func (s *Store) Remove(addr peer.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.set.Clone()
	if next.Remove(addr) {
		log.Debugf("peerfile: removing %s", addr)
	}
	return s.commit(next)
}

func (s *Store) Merge(addrs []peer.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.set.Clone()
	added := next.Union(addrs)
	if err := s.commit(next); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *Store) Snapshot() []peer.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Slice()
}

func (s *Store) Has(addr peer.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Has(addr)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// commit writes next to disk and swaps it in. Lock must be held.
func (s *Store) commit(next peer.Set) error {
	if err := s.save(next); err != nil {
		log.Errorf("peerfile: failed to save %s: %v", s.path, err)
		return err
	}
	s.set = next
	return nil
}

func (s *Store) save(set peer.Set) error {
	data, err := json.Marshal(set.Slice())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// Write into a sibling temp file and rename it over the target so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, s.path)
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return nil
}
