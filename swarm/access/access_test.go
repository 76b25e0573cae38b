package access

import (
	"context"
	"errors"
	"meshnode/datamodel/apikey"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRegistry is an in-memory apikey.Registry
type memRegistry map[string]string

func (m memRegistry) IsAuthorized(key string) (bool, error) {
	_, ok := m[key]
	return ok && key != "", nil
}

func (m memRegistry) Register(rec *apikey.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, ok := m[rec.Key]; ok {
		return apikey.ErrDuplicateKey
	}
	m[rec.Key] = rec.Email
	return nil
}

func (m memRegistry) Get(key string) (*apikey.Record, error) {
	email, ok := m[key]
	if !ok {
		return nil, apikey.ErrNotFound
	}
	return &apikey.Record{Key: key, Email: email}, nil
}

func (m memRegistry) Seed(rec *apikey.Record) (bool, error) {
	if len(m) > 0 {
		return false, nil
	}
	return true, m.Register(rec)
}

func (m memRegistry) Count() (int, error) { return len(m), nil }

func (m memRegistry) Enumerate() ([]*apikey.Record, error) {
	var out []*apikey.Record
	for k, e := range m {
		out = append(out, &apikey.Record{Key: k, Email: e})
	}
	return out, nil
}

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestOpenAllowsEverything(t *testing.T) {
	ctx := context.Background()
	p := Open{}
	assert.NoError(t, p.AuthorizeConnect(ctx, &Request{}))
	assert.NoError(t, p.AuthorizeMessage(ctx, &Request{RemoteHost: "1.2.3.4"}))
}

func TestGatedRequiresRegisteredKey(t *testing.T) {
	ctx := context.Background()
	p := &Gated{Registry: memRegistry{"K1": "a@example.com"}}

	assert.NoError(t, p.AuthorizeConnect(ctx, &Request{APIKey: "K1"}))
	assert.NoError(t, p.AuthorizeMessage(ctx, &Request{APIKey: "K1"}))

	assert.ErrorIs(t, p.AuthorizeConnect(ctx, &Request{APIKey: "K2"}), ErrUnauthorized)
	assert.ErrorIs(t, p.AuthorizeMessage(ctx, &Request{APIKey: "K2"}), ErrUnauthorized)
	assert.ErrorIs(t, p.AuthorizeConnect(ctx, &Request{}), ErrUnauthorized)
}

func TestBootstrapOnlyLeafRefusesConnect(t *testing.T) {
	ctx := context.Background()
	p := NewBootstrapOnly(memRegistry{"K1": "a@example.com"}, "10.0.0.1")

	// Even a valid key from the bootstrap node itself is refused
	for _, req := range []*Request{
		{APIKey: "K1", RemoteHost: "10.0.0.1"},
		{APIKey: "K1", RemoteHost: "10.0.0.2"},
		{APIKey: "", RemoteHost: "10.0.0.1"},
	} {
		assert.ErrorIs(t, p.AuthorizeConnect(ctx, req), ErrForbidden)
	}
}

func TestBootstrapOnlyRootAcceptsKeyedConnect(t *testing.T) {
	ctx := context.Background()
	p := NewBootstrapOnly(memRegistry{"K1": "a@example.com"}, "")

	assert.NoError(t, p.AuthorizeConnect(ctx, &Request{APIKey: "K1", RemoteHost: "10.0.0.9"}))
	assert.ErrorIs(t, p.AuthorizeConnect(ctx, &Request{APIKey: "K2"}), ErrUnauthorized)

	// A root node has no bootstrap to take messages from
	assert.ErrorIs(t, p.AuthorizeMessage(ctx, &Request{APIKey: "K1", RemoteHost: "10.0.0.9"}), ErrForbidden)
}

func TestBootstrapOnlyMessageFromBootstrapHost(t *testing.T) {
	ctx := context.Background()
	p := NewBootstrapOnly(memRegistry{"K1": "a@example.com"}, "boot.local")
	p.Resolver = staticResolver{"boot.local": {"10.0.0.1"}}

	assert.NoError(t, p.AuthorizeMessage(ctx, &Request{APIKey: "K1", RemoteHost: "10.0.0.1"}))
	assert.NoError(t, p.AuthorizeMessage(ctx, &Request{APIKey: "K1", RemoteHost: "boot.local"}))
	assert.ErrorIs(t, p.AuthorizeMessage(ctx, &Request{APIKey: "K1", RemoteHost: "10.0.0.2"}), ErrForbidden)
	assert.ErrorIs(t, p.AuthorizeMessage(ctx, &Request{APIKey: "K2", RemoteHost: "10.0.0.1"}), ErrUnauthorized)
}

func TestNew(t *testing.T) {
	reg := memRegistry{}
	for mode, name := range map[string]string{"": ModeOpen, ModeOpen: ModeOpen, ModeGated: ModeGated, ModeBootstrap: ModeBootstrap} {
		p, err := New(mode, reg, "")
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := New("strict", reg, "")
	assert.Error(t, err)
}
