// Command poold is the wiring entrypoint: it parses daemon flags,
// builds a logger, constructs an Engine over either the real
// kernel-backed stack or the simulation backend, and blocks on the
// engine's event loop until a shutdown signal arrives. It never
// implements the object-broker or CLI command surface itself; those
// are a separate front-end that would dial into this process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/blockpoolio/poold/internal/config"
	"github.com/blockpoolio/poold/internal/localkeyring"
	"github.com/blockpoolio/poold/internal/plog"
	"github.com/blockpoolio/poold/pkg/dm"
	"github.com/blockpoolio/poold/pkg/engine"
	"github.com/blockpoolio/poold/pkg/liminal"
	"github.com/blockpoolio/poold/pkg/sim"
)

const defaultSweepInterval = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "poold",
		Usage: "local storage pool manager daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a JSON config file, overlaid onto built-in defaults",
			},
			&cli.BoolFlag{
				Name:  "sim",
				Usage: "run the simulation backend instead of the kernel-backed engine",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error; overrides the config file's LogLevel",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if c.Bool("sim") {
		cfg.Sim = true
	}

	logger := plog.Configure(plog.Options{
		Level:     cfg.LogLevel,
		JSON:      cfg.LogJSON,
		SyslogTag: cfg.SyslogTag,
	})

	e, watcher, closeFn, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	if watcher != nil {
		go watcher.Run(ctx)
		defer watcher.Close()
	}

	logger.WithFields(log.Fields{
		"state_dir": cfg.StateDir,
		"sim":       cfg.Sim,
	}).Info("poold starting")

	e.Run(ctx, watcher, defaultSweepInterval)
	return nil
}

// buildEngine constructs an Engine wired to either the simulation
// backend or the real kernel-backed stack, per cfg.Sim, returning a
// liminal.Watcher the caller must pump (nil under the simulation
// backend, which seeds its own device root but does not watch it) and
// a close function that releases the engine's resources.
func buildEngine(cfg *config.Config, logger *log.Logger) (*engine.Engine, *liminal.Watcher, func(), error) {
	if cfg.Sim {
		deviceRoot := cfg.StateDir + "/sim-devices"
		e, _, _, err := sim.NewEngine(cfg.StateDir, deviceRoot, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return e, nil, func() { e.Close() }, nil
	}

	deviceRoot := "/dev/disk/by-id"
	if err := engine.EnsureDeviceRoot(deviceRoot); err != nil {
		return nil, nil, nil, fmt.Errorf("device discovery root %q unavailable: %w", deviceRoot, err)
	}

	kr, err := localkeyring.Open(cfg.StateDir)
	if err != nil {
		return nil, nil, nil, err
	}

	e, err := engine.New(engine.Options{
		StateDir:   cfg.StateDir,
		Driver:     dm.RealDriver{},
		Keyring:    kr,
		Escrow:     kr,
		DeviceRoot: deviceRoot,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	classifier, err := liminal.NewClassifier(1024)
	if err != nil {
		e.Close()
		return nil, nil, nil, err
	}
	watcher, err := liminal.NewWatcher(deviceRoot, classifier)
	if err != nil {
		e.Close()
		return nil, nil, nil, err
	}

	return e, watcher, func() { e.Close() }, nil
}
