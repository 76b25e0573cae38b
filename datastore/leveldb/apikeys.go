package leveldb

import (
	"meshnode/datamodel/apikey"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixAPIKey = "KEY" // API key records indexed by the key itself. Followed by the raw key string
)

var _ apikey.Registry = (*KeyRegistry)(nil)

// KeyRegistry stores API key records. The key is the primary key: a second Register with the same key fails.
type KeyRegistry struct {
	levelDB
}

func NewKeyRegistry(path string) (*KeyRegistry, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &KeyRegistry{
		levelDB: levelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func keyFromAPIKey(key string) []byte {
	return append([]byte(keyPrefixAPIKey), []byte(key)...)
}

func (r *KeyRegistry) IsAuthorized(key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Has(keyFromAPIKey(key), nil)
}

func (r *KeyRegistry) Register(rec *apikey.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.put(rec)
}

// put inserts rec unless the key exists. Lock must be held.
func (r *KeyRegistry) put(rec *apikey.Record) error {
	k := keyFromAPIKey(rec.Key)

	exists, err := r.db.Has(k, nil)
	if err != nil {
		return err
	}
	if exists {
		return apikey.ErrDuplicateKey
	}

	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	if err := r.db.Put(k, raw, nil); err != nil {
		return err
	}

	log.WithField("email", rec.Email).Info("Registered new API key")

	return nil
}

func (r *KeyRegistry) Get(key string) (*apikey.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Fetch the object
	raw, err := r.db.Get(keyFromAPIKey(key), nil)
	if err == errors.ErrNotFound {
		return nil, apikey.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Unmarshall CBOR
	rec := &apikey.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// Compare the key just in case
	if rec.Key != key {
		log.Errorf("Get: API key mismatch for record of %s", rec.Email)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (r *KeyRegistry) Seed(rec *apikey.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.count()
	if err != nil {
		return false, err
	}
	if n > 0 {
		log.Debugf("Seed: registry already holds %d keys, skipping", n)
		return false, nil
	}

	if err := r.put(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (r *KeyRegistry) Count() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count()
}

func (r *KeyRegistry) count() (int, error) {
	iter := r.db.NewIterator(util.BytesPrefix([]byte(keyPrefixAPIKey)), nil)
	defer iter.Release()

	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (r *KeyRegistry) Enumerate() ([]*apikey.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var results []*apikey.Record

	iter := r.db.NewIterator(util.BytesPrefix([]byte(keyPrefixAPIKey)), nil)
	defer iter.Release()

	for iter.Next() {
		rec := &apikey.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	return results, iter.Error()
}
