package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/bridgectl"
	"github.com/loykin/bridgectl/internal/simulator"
)

type command struct {
	out io.Writer
	// newApp builds the App used by a command; tests replace it.
	newApp func(ctx context.Context, configPath string) (*bridgectl.App, error)
}

func newCommand(out io.Writer) command {
	return command{out: out, newApp: loadApp}
}

func loadApp(ctx context.Context, configPath string) (*bridgectl.App, error) {
	cfg, err := bridgectl.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return bridgectl.New(ctx, cfg, bridgectl.Options{})
}

// oneShot restores the persisted lock table, runs fn and writes the table
// back before returning so the next invocation sees the same beliefs.
func (c *command) oneShot(configPath string, timeout time.Duration, fn func(ctx context.Context, app *bridgectl.App) error) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	app, err := c.newApp(ctx, configPath)
	if err != nil {
		return err
	}
	runErr := fn(ctx, app)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := app.Close(closeCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("configuration id is required")
	}
	return nil
}

func (c *command) Start(f OperationFlags) error {
	if err := requireID(f.ID); err != nil {
		return err
	}
	return c.oneShot(f.ConfigPath, f.Timeout, func(ctx context.Context, app *bridgectl.App) error {
		if err := app.Start(ctx, f.ID); err != nil {
			return err
		}
		e, _ := app.Table().Get(f.ID)
		printJSON(c.out, e)
		return nil
	})
}

func (c *command) Stop(f OperationFlags) error {
	if err := requireID(f.ID); err != nil {
		return err
	}
	return c.oneShot(f.ConfigPath, f.Timeout, func(ctx context.Context, app *bridgectl.App) error {
		if err := app.Stop(ctx, f.ID); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "%s stopped\n", f.ID)
		return nil
	})
}

func (c *command) Delete(f DeleteFlags) error {
	if err := requireID(f.ID); err != nil {
		return err
	}
	return c.oneShot(f.ConfigPath, f.Timeout, func(ctx context.Context, app *bridgectl.App) error {
		if err := app.Delete(ctx, f.ID, bridgectl.DeleteOptions{Confirmed: f.Confirm}); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "%s deleted\n", f.ID)
		return nil
	})
}

func (c *command) Status(f StatusFlags) error {
	return c.oneShot(f.ConfigPath, f.Timeout, func(ctx context.Context, app *bridgectl.App) error {
		sts, err := app.Statuses(ctx, f.Refresh)
		if err != nil {
			return err
		}
		printJSON(c.out, sts)
		return nil
	})
}

func (c *command) Locks(f LocksFlags) error {
	return c.oneShot(f.ConfigPath, 0, func(_ context.Context, app *bridgectl.App) error {
		if f.ForceUnlock != "" {
			if !app.ForceUnlock(f.ForceUnlock) {
				return fmt.Errorf("no lock held for %s", f.ForceUnlock)
			}
		}
		printJSON(c.out, app.Locks())
		return nil
	})
}

func (c *command) Reconcile(f StatusFlags) error {
	return c.oneShot(f.ConfigPath, f.Timeout, func(ctx context.Context, app *bridgectl.App) error {
		res, err := app.Reconcile(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, res)
		return nil
	})
}

// Serve runs the reconciliation loop and HTTP API until SIGINT/SIGTERM.
func (c *command) Serve(f ServeFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app, err := c.newApp(ctx, f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Listen != "" {
		app.Config().Server.Listen = f.Listen
	}
	if err := app.Serve(); err != nil {
		_ = app.Close(context.Background())
		return err
	}
	cfg := app.Config()
	_, _ = fmt.Fprintf(c.out, "Starting bridgectl on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)
	if !f.NonBlocking {
		<-ctx.Done()
		_, _ = fmt.Fprintln(c.out, "Shutting down...")
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return app.Close(shCtx)
}

// Simulate serves an in-memory remote control API until SIGINT/SIGTERM.
func (c *command) Simulate(f SimulateFlags) error {
	sim := simulator.New(simulator.Options{
		BasePath:       f.BasePath,
		NoTargetedStop: f.NoTargetedStop,
		StopLag:        f.StopLag,
		IgnoreStops:    f.IgnoreStops,
	})
	for _, s := range f.Seed {
		typ, id, err := splitSeed(s)
		if err != nil {
			return err
		}
		sim.Seed(typ, id)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, _ = fmt.Fprintf(c.out, "Simulating remote bridge API on %s%s\n", f.Listen, f.BasePath)
	return sim.Serve(ctx, f.Listen)
}
