package commands

import (
	"context"
	"fmt"
	"meshnode/config"
	"meshnode/datamodel/apikey"
	"meshnode/datastore/leveldb"
	"meshnode/datastore/peerfile"
	"os"

	"github.com/google/uuid"
)

// RunInfo prints the persisted peer set and the size of the API key registry.
func RunInfo(ctx context.Context, cfg *config.Config, console *Console) error {
	peers, err := peerfile.Open(cfg.DataStore.PeersPath)
	if err != nil {
		return err
	}

	snapshot := peers.Snapshot()
	fmt.Fprintf(console.Out, "Peers (%d) in %s:\n", len(snapshot), peers.Path())
	for _, p := range snapshot {
		fmt.Fprintf(console.Out, "  %s\n", p)
	}

	if _, err := os.Stat(cfg.DataStore.RegistryPath); err != nil {
		fmt.Fprintf(console.Out, "No API key registry at %s\n", cfg.DataStore.RegistryPath)
		return nil
	}

	registry, err := leveldb.NewKeyRegistry(cfg.DataStore.RegistryPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	records, err := registry.Enumerate()
	if err != nil {
		return err
	}
	fmt.Fprintf(console.Out, "API keys (%d) in %s:\n", len(records), registry.Path())
	for _, rec := range records {
		fmt.Fprintf(console.Out, "  %s\n", rec.Email)
	}

	return nil
}

// RunRegister inserts a key into the local registry. An empty key is replaced by a random one, which is printed.
func RunRegister(ctx context.Context, cfg *config.Config, console *Console, key, email string) error {
	if key == "" {
		key = uuid.NewString()
	}

	registry, err := leveldb.NewKeyRegistry(cfg.DataStore.RegistryPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	rec := &apikey.Record{Key: key, Email: email}
	if err := registry.Register(rec); err != nil {
		return err
	}

	fmt.Fprintf(console.Out, "Registered API key %s for %s\n", rec.Key, rec.Email)
	return nil
}
