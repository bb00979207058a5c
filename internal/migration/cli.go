package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// Subcommands lists the operations accepted by Run, in help order.
var Subcommands = []string{"up", "down", "reset", "steps", "goto", "force", "status", "version", "info"}

// CLI prints human-readable results of migrator operations
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI creates a CLI writing to stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput sets the output writer for CLI messages
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// Run dispatches a subcommand; steps, goto and force take the number as
// their first argument.
func (c *CLI) Run(ctx context.Context, subcommand string, args []string) error {
	switch subcommand {
	case "up":
		return c.RunUp(ctx)
	case "down":
		return c.RunDown(ctx)
	case "reset":
		return c.RunDownAll(ctx)
	case "status":
		return c.RunStatus(ctx)
	case "version":
		return c.RunVersion(ctx)
	case "info":
		return c.RunInfo(ctx)
	case "steps", "goto", "force":
		n, err := numberArg(subcommand, args)
		if err != nil {
			return err
		}
		switch subcommand {
		case "steps":
			return c.RunSteps(ctx, n)
		case "goto":
			if n < 0 {
				return fmt.Errorf("version cannot be negative: %d", n)
			}
			return c.RunGoto(ctx, uint(n))
		default:
			return c.RunForce(ctx, n)
		}
	default:
		return fmt.Errorf("unknown migrate subcommand: %s", subcommand)
	}
}

func numberArg(subcommand string, args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s requires a number argument", subcommand)
	}
	n, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return int(n), nil
}

// apply announces, runs op and reports the resulting schema version
func (c *CLI) apply(ctx context.Context, announce, done string, op func(context.Context) error) error {
	fmt.Fprintln(c.output, announce)
	if err := op(ctx); err != nil {
		return err
	}
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "%s Current version: %d%s\n", done, version, dirtyMark(dirty))
	return nil
}

func dirtyMark(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}

// RunUp applies every pending record schema migration
func (c *CLI) RunUp(ctx context.Context) error {
	return c.apply(ctx, "Running migrations...", "Migrations complete.", c.migrator.Up)
}

func (c *CLI) RunDown(ctx context.Context) error {
	return c.apply(ctx, "Rolling back last migration...", "Rollback complete.", c.migrator.Down)
}

func (c *CLI) RunDownAll(ctx context.Context) error {
	return c.apply(ctx, "Rolling back all migrations...", "All migrations rolled back.", c.migrator.DownAll)
}

// RunSteps applies (n > 0) or rolls back (n < 0) n migrations
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	announce := fmt.Sprintf("Applying %d migration(s)...", n)
	if n < 0 {
		announce = fmt.Sprintf("Rolling back %d migration(s)...", -n)
	}
	return c.apply(ctx, announce, "Complete.", func(ctx context.Context) error {
		return c.migrator.Steps(ctx, n)
	})
}

func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	return c.apply(ctx, fmt.Sprintf("Migrating to version %d...", version), "Migration complete.",
		func(ctx context.Context) error { return c.migrator.Goto(ctx, version) })
}

// RunForce marks version as applied without running SQL; used to clear a dirty state
func (c *CLI) RunForce(ctx context.Context, version int) error {
	return c.apply(ctx, fmt.Sprintf("Forcing version to %d...", version), "Version forced.",
		func(ctx context.Context) error { return c.migrator.Force(ctx, version) })
}

func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.output, "Current version: %d%s\n", version, dirtyMark(dirty))
	return nil
}

// RunStatus prints one row per migration followed by a summary line
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	applied := 0
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "Pending"
		switch {
		case s.Dirty:
			state = "Dirty"
		case s.Applied:
			state = "Applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n",
		len(statuses), applied, len(statuses)-applied)
	return nil
}

func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintln(w, "Migration Information:")
	fmt.Fprintf(w, "  Current Version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "  Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "  Total Migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(w, "  Applied Migrations:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(w, "  Pending Migrations:\t%d\n", info.PendingMigrations)
	return w.Flush()
}
