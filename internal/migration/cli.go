package migration

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// Runner is the subset of Migrator the command line drives.
type Runner interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Reset(ctx context.Context) error
	Goto(ctx context.Context, version uint) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]Status, error)
	Info(ctx context.Context) (Info, error)
}

// CLI prints the outcome of migration commands for `minionflow migrate`.
type CLI struct {
	r   Runner
	out io.Writer
}

// NewCLI creates a CLI writing to out.
func NewCLI(r Runner, out io.Writer) *CLI {
	return &CLI{r: r, out: out}
}

func (c *CLI) after(ctx context.Context, verb string) error {
	info, err := c.r.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: ledger schema at version %d/%d\n", verb, info.Current, info.Latest)
	return nil
}

// Up applies pending scripts.
func (c *CLI) Up(ctx context.Context) error {
	if err := c.r.Up(ctx); err != nil {
		return err
	}
	return c.after(ctx, "up")
}

// Down rolls back one script.
func (c *CLI) Down(ctx context.Context) error {
	if err := c.r.Down(ctx); err != nil {
		return err
	}
	return c.after(ctx, "down")
}

// Reset rolls back every script.
func (c *CLI) Reset(ctx context.Context) error {
	if err := c.r.Reset(ctx); err != nil {
		return err
	}
	return c.after(ctx, "reset")
}

// Goto migrates to version.
func (c *CLI) Goto(ctx context.Context, version uint) error {
	if err := c.r.Goto(ctx, version); err != nil {
		return err
	}
	return c.after(ctx, "goto")
}

// Force overwrites the recorded version.
func (c *CLI) Force(ctx context.Context, version int) error {
	if err := c.r.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "force: version set to %d\n", version)
	return nil
}

// Version prints the applied version.
func (c *CLI) Version(ctx context.Context) error {
	v, dirty, err := c.r.Version(ctx)
	if err != nil {
		return err
	}
	switch {
	case v == 0:
		fmt.Fprintln(c.out, "no migrations applied")
	case dirty:
		fmt.Fprintf(c.out, "%d (dirty)\n", v)
	default:
		fmt.Fprintf(c.out, "%d\n", v)
	}
	return nil
}

// Status prints a table of scripts followed by a summary line.
func (c *CLI) Status(ctx context.Context) error {
	list, err := c.r.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	applied := 0
	for _, s := range list {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d applied, %d pending\n", applied, len(list)-applied)
	return nil
}
