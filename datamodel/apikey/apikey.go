package apikey

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicateKey = errors.New("api key already registered")
	ErrNotFound     = errors.New("api key not found")
)

// Record is an issued API key and the email it was issued to. Records are never updated or deleted.
type Record struct {
	Key   string `cbor:"1,keyasint,omitempty" json:"api_key"`
	Email string `cbor:"2,keyasint,omitempty" json:"email"`
}

func (r *Record) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("%w: api_key is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	return nil
}

// Registry is the table of issued API keys.
type Registry interface {
	// IsAuthorized reports whether key has been issued. An empty key is never authorized.
	IsAuthorized(key string) (bool, error)

	// Register inserts a new record. It fails with ErrInvalidInput if a field is empty and with ErrDuplicateKey
	// if the key exists; the existing record is left untouched.
	Register(*Record) error

	// Get returns the record for key or ErrNotFound.
	Get(key string) (*Record, error)

	// Seed registers rec only if the registry holds no records yet. It reports whether rec was inserted.
	Seed(*Record) (bool, error)

	Count() (int, error)
	Enumerate() ([]*Record, error)
}
