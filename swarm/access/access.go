// Package access decides which inbound connect and message calls a node accepts.
// A node runs with exactly one Policy chosen at construction.
package access

import (
	"context"
	"errors"
	"fmt"
	"meshnode/datamodel/apikey"
	"net"
	"slices"

	log "github.com/sirupsen/logrus"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

const (
	ModeOpen      = "open"
	ModeGated     = "gated"
	ModeBootstrap = "bootstrap"
)

// Request carries what the transport knows about the caller.
type Request struct {
	APIKey     string
	RemoteHost string
}

type Policy interface {
	Name() string
	AuthorizeConnect(ctx context.Context, req *Request) error
	AuthorizeMessage(ctx context.Context, req *Request) error
}

// Open accepts every call.
type Open struct{}

func (Open) Name() string { return ModeOpen }

func (Open) AuthorizeConnect(context.Context, *Request) error { return nil }

func (Open) AuthorizeMessage(context.Context, *Request) error { return nil }

// Gated requires a key present in the registry.
type Gated struct {
	Registry apikey.Registry
}

func (g *Gated) Name() string { return ModeGated }

func (g *Gated) AuthorizeConnect(_ context.Context, req *Request) error {
	return g.checkKey(req)
}

func (g *Gated) AuthorizeMessage(_ context.Context, req *Request) error {
	return g.checkKey(req)
}

func (g *Gated) checkKey(req *Request) error {
	if req.APIKey == "" {
		return fmt.Errorf("%w: missing API key", ErrUnauthorized)
	}
	ok, err := g.Registry.IsAuthorized(req.APIKey)
	if err != nil {
		log.Errorf("access: registry lookup failed: %v", err)
		return fmt.Errorf("%w: registry unavailable", ErrUnauthorized)
	}
	if !ok {
		return fmt.Errorf("%w: invalid API key", ErrUnauthorized)
	}
	return nil
}

// BootstrapOnly layers a topology rule over the key check. A node with its own bootstrap target is a leaf and
// refuses every inbound connect. Messages are accepted only from the configured bootstrap host, so a node without
// a bootstrap target refuses all messages.
type BootstrapOnly struct {
	Gated
	BootstrapHost string

	// Resolver maps BootstrapHost to addresses. Defaults to net.DefaultResolver.
	Resolver interface {
		LookupHost(ctx context.Context, host string) ([]string, error)
	}
}

func NewBootstrapOnly(registry apikey.Registry, bootstrapHost string) *BootstrapOnly {
	return &BootstrapOnly{
		Gated:         Gated{Registry: registry},
		BootstrapHost: bootstrapHost,
		Resolver:      net.DefaultResolver,
	}
}

func (b *BootstrapOnly) Name() string { return ModeBootstrap }

func (b *BootstrapOnly) AuthorizeConnect(_ context.Context, req *Request) error {
	if b.BootstrapHost != "" {
		return fmt.Errorf("%w: node has a bootstrap target and does not accept connections", ErrForbidden)
	}
	return b.checkKey(req)
}

func (b *BootstrapOnly) AuthorizeMessage(ctx context.Context, req *Request) error {
	if err := b.checkKey(req); err != nil {
		return err
	}
	if b.BootstrapHost == "" {
		return fmt.Errorf("%w: no bootstrap node configured", ErrForbidden)
	}
	if !b.isBootstrapHost(ctx, req.RemoteHost) {
		return fmt.Errorf("%w: caller %s is not the bootstrap node", ErrForbidden, req.RemoteHost)
	}
	return nil
}

func (b *BootstrapOnly) isBootstrapHost(ctx context.Context, host string) bool {
	if host == b.BootstrapHost {
		return true
	}
	if b.Resolver == nil {
		return false
	}
	addrs, err := b.Resolver.LookupHost(ctx, b.BootstrapHost)
	if err != nil {
		log.Warnf("access: failed to resolve bootstrap host %s: %v", b.BootstrapHost, err)
		return false
	}
	return slices.Contains(addrs, host)
}

// New builds the policy for mode.
func New(mode string, registry apikey.Registry, bootstrapHost string) (Policy, error) {
	switch mode {
	case "", ModeOpen:
		return Open{}, nil
	case ModeGated:
		return &Gated{Registry: registry}, nil
	case ModeBootstrap:
		return NewBootstrapOnly(registry, bootstrapHost), nil
	default:
		return nil, fmt.Errorf("unknown access policy %q", mode)
	}
}
