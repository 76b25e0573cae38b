package main

import (
	"context"
	"fmt"
	"meshnode/commands"
	"meshnode/config"
	"meshnode/datamodel/peer"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const usage = "Usage: meshnode [flags] <port> [bootstrap_host bootstrap_port] | meshnode start_node | meshnode <command> ..."

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to config file",
		EnvVars: []string{"MESHNODE_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "loglevel",
		Value:   "info",
		Usage:   "Log level",
		EnvVars: []string{"MESHNODE_LOGLEVEL"},
	}
)

// nodeFlags returns fresh flag instances, the app and the serve command each need their own.
func nodeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "host", Usage: "Address to listen on", EnvVars: []string{"MESHNODE_HOST"}},
		&cli.IntFlag{Name: "port", Usage: "Port to listen on", EnvVars: []string{"MESHNODE_PORT"}},
		&cli.StringFlag{Name: "transport", Usage: "tcp or http", EnvVars: []string{"MESHNODE_TRANSPORT"}},
		&cli.StringFlag{Name: "policy", Usage: "open, gated or bootstrap", EnvVars: []string{"MESHNODE_POLICY"}},
		&cli.StringFlag{Name: "api-key", Usage: "API key presented to other nodes", EnvVars: []string{"MESHNODE_API_KEY"}},
		&cli.StringFlag{Name: "bootstrap-host", Usage: "Bootstrap node host", EnvVars: []string{"MESHNODE_BOOTSTRAP_HOST"}},
		&cli.IntFlag{Name: "bootstrap-port", Usage: "Bootstrap node port", EnvVars: []string{"MESHNODE_BOOTSTRAP_PORT"}},
		&cli.StringFlag{Name: "seed-key", Usage: "First API key of an empty registry", EnvVars: []string{"MESHNODE_SEED_KEY"}},
		&cli.StringFlag{Name: "seed-email", Usage: "Email of the seed API key", EnvVars: []string{"MESHNODE_SEED_EMAIL"}},
		&cli.StringFlag{Name: "peers", Usage: "Peer file path", EnvVars: []string{"MESHNODE_PEERS"}},
		&cli.StringFlag{Name: "registry", Usage: "API key registry path", EnvVars: []string{"MESHNODE_REGISTRY"}},
	}
}

func setLogLevel(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(l)
	commands.SetLevel(l)
	config.SetLevel(l)
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	file := c.String(configFlag.Name)
	if file == "" {
		return config.NewEmptyConfig(""), nil
	}
	return config.NewConfigFromFile(file)
}

// applyNodeFlags overrides config values with the flags that were set explicitly.
func applyNodeFlags(c *cli.Context, cfg *config.Config) {
	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	setString("host", &cfg.Node.Host)
	setInt("port", &cfg.Node.Port)
	setString("transport", &cfg.Network.Transport)
	setString("policy", &cfg.Access.Policy)
	setString("api-key", &cfg.Node.APIKey)
	setString("bootstrap-host", &cfg.Bootstrap.Host)
	setInt("bootstrap-port", &cfg.Bootstrap.Port)
	setString("seed-key", &cfg.Access.SeedKey)
	setString("seed-email", &cfg.Access.SeedEmail)
	setString("peers", &cfg.DataStore.PeersPath)
	setString("registry", &cfg.DataStore.RegistryPath)
}

func console() *commands.Console {
	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = fi.Mode()&os.ModeCharDevice != 0
	}
	return &commands.Console{In: os.Stdin, Out: os.Stdout, Interactive: interactive}
}

func usageError(format string, args ...any) error {
	return cli.Exit(fmt.Sprintf(format, args...)+"\n"+usage, 1)
}

// serveLegacy handles "meshnode <port> [bootstrap_host bootstrap_port]".
func serveLegacy(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) != 1 && len(args) != 3 {
		return usageError("expected a port and optionally a bootstrap host and port, got %d arguments", len(args))
	}

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return usageError("invalid port %q", args[0])
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyNodeFlags(c, cfg)
	cfg.Node.Port = port

	if len(args) == 3 {
		bport, err := strconv.Atoi(args[2])
		if err != nil {
			return usageError("invalid bootstrap port %q", args[2])
		}
		cfg.Bootstrap.Host = args[1]
		cfg.Bootstrap.Port = bport
	}

	return commands.RunServe(c.Context, cfg, console())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &cli.App{
		Name:      "meshnode",
		Usage:     "peer-to-peer overlay node",
		UsageText: usage,
		Flags:     append([]cli.Flag{configFlag, logLevelFlag}, nodeFlags()...),
		Before: func(c *cli.Context) error {
			return setLogLevel(c.String(logLevelFlag.Name))
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				cli.ShowAppHelp(c)
				return cli.Exit("", 1)
			}
			return serveLegacy(c)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run a node from the config file and flags",
				Flags: nodeFlags(),
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					applyNodeFlags(c, cfg)
					return commands.RunServe(c.Context, cfg, console())
				},
			},
			{
				Name:  "start_node",
				Usage: "Run a node with default settings and no bootstrap target",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					cfg.Bootstrap.Host = ""
					cfg.Bootstrap.Port = 0
					return commands.RunServe(c.Context, cfg, console())
				},
			},
			{
				Name:      "init",
				Usage:     "Write a default config file",
				ArgsUsage: " ",
				Action: func(c *cli.Context) error {
					file := c.String(configFlag.Name)
					if file == "" {
						return usageError("--config is required")
					}
					return commands.RunInit(c.Context, config.NewEmptyConfig(file))
				},
			},
			{
				Name:  "register",
				Usage: "Add an API key to the local registry",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "key", Usage: "API key, generated when empty"},
					&cli.StringFlag{Name: "registry", Usage: "API key registry path"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if c.IsSet("registry") {
						cfg.DataStore.RegistryPath = c.String("registry")
					}
					return commands.RunRegister(c.Context, cfg, console(), c.String("key"), c.String("email"))
				},
			},
			{
				Name:  "info",
				Usage: "Print the persisted peers and registered keys",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return commands.RunInfo(c.Context, cfg, console())
				},
			},
			{
				Name:      "dial",
				Usage:     "Open a TCP session to a node and exchange messages",
				ArgsUsage: "<host> <port>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return usageError("dial expects <host> <port>")
					}
					port, err := strconv.Atoi(c.Args().Get(1))
					if err != nil {
						return usageError("invalid port %q", c.Args().Get(1))
					}
					target := peer.New(c.Args().Get(0), port)
					if err := target.Validate(); err != nil {
						return usageError("%v", err)
					}

					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return commands.RunDial(c.Context, cfg, console(), target)
				},
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
