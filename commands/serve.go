package commands

import (
	"context"
	"fmt"
	"io"
	"meshnode/config"
	"meshnode/datamodel/apikey"
	"meshnode/datamodel/peer"
	"meshnode/datastore/leveldb"
	"meshnode/datastore/peerfile"
	"meshnode/swarm/access"
	"meshnode/swarm/node"
	"time"

	"go.uber.org/multierr"
)

// Console is where interactive commands read operator input and print results.
type Console struct {
	In          io.Reader
	Out         io.Writer
	Interactive bool
}

// RunServe starts a node from cfg and blocks until ctx is cancelled.
func RunServe(ctx context.Context, cfg *config.Config, console *Console) (err error) {
	log.Infof("Starting node on %s:%d (%s, policy %s)", cfg.Node.Host, cfg.Node.Port, cfg.Network.Transport, cfg.Access.Policy)

	if err := cfg.Validate(); err != nil {
		return err
	}

	// A malformed peer file is fatal, a missing one is not
	peers, err := peerfile.Open(cfg.DataStore.PeersPath)
	if err != nil {
		return fmt.Errorf("failed to open peer store: %w", err)
	}

	var registry *leveldb.KeyRegistry
	if cfg.Network.Transport == config.TransportHTTP {
		registry, err = leveldb.NewKeyRegistry(cfg.DataStore.RegistryPath)
		if err != nil {
			return fmt.Errorf("failed to open API key registry: %w", err)
		}
		defer func() {
			err = multierr.Append(err, registry.Close())
		}()

		if cfg.NeedsRegistry() {
			if err := seedRegistry(registry, cfg, console); err != nil {
				return err
			}
		}
	}

	n, err := NewNode(cfg, peers, registry)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, n.Close())
	}()

	return n.Run(ctx)
}

// NewNode wires a node from cfg. registry may be nil for the TCP transport.
func NewNode(cfg *config.Config, peers peer.Store, registry *leveldb.KeyRegistry) (*node.Node, error) {
	var reg apikey.Registry
	if registry != nil {
		reg = registry
	}

	policy, err := access.New(cfg.Access.Policy, reg, cfg.Bootstrap.Host)
	if err != nil {
		return nil, err
	}

	opts := node.Options{
		Host:           cfg.Node.Host,
		Port:           cfg.Node.Port,
		Transport:      cfg.Network.Transport,
		ReadBufferSize: cfg.Network.ReadBufferSize,
		DialTimeout:    time.Duration(cfg.Network.DialTimeout),
		APIKey:         cfg.Node.APIKey,
		GraceInterval:  time.Duration(cfg.Bootstrap.GraceInterval),
		RetryInterval:  time.Duration(cfg.Bootstrap.RetryInterval),
		RetryJitter:    time.Duration(cfg.Bootstrap.RetryJitter),
		MaxAttempts:    cfg.Bootstrap.MaxAttempts,
	}
	if cfg.HasBootstrap() {
		target := peer.New(cfg.Bootstrap.Host, cfg.Bootstrap.Port)
		opts.Bootstrap = &target
	}

	return node.New(opts, peers, reg, policy)
}

// seedRegistry makes sure a brand new network can authorize its first connection: the seed comes from the config
// (flags and environment land there) or, failing that, from the operator.
func seedRegistry(registry apikey.Registry, cfg *config.Config, console *Console) error {
	n, err := registry.Count()
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("API key registry holds %d keys", n)
		return nil
	}

	rec := &apikey.Record{Key: cfg.Access.SeedKey, Email: cfg.Access.SeedEmail}
	if rec.Key == "" && rec.Email == "" {
		if console == nil || !console.Interactive {
			log.Warn("API key registry is empty and no seed key was given; no caller can be authorized until a key is registered")
			return nil
		}
		rec, err = PromptSeed(console)
		if err != nil {
			return err
		}
	}

	seeded, err := registry.Seed(rec)
	if err != nil {
		return fmt.Errorf("failed to seed API key registry: %w", err)
	}
	if seeded {
		log.WithField("email", rec.Email).Info("Seeded API key registry")
	}
	return nil
}
