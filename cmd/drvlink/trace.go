package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rexliu/drvlink/pkg/storage/sqlite"
)

func newTraceCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded sessions",
	}
	cmd.AddCommand(newTraceListCmd(g), newTraceShowCmd(g), newTraceObjectsCmd(g), newTraceRmCmd(g))
	return cmd
}

func (g *globalFlags) openStore(ctx context.Context) (*sqlite.Store, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := sqlite.Open(cfg.Trace.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx, sqlite.Pragmas{JournalMode: cfg.Trace.JournalMode, Synchronous: cfg.Trace.Synchronous}); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newTraceListCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			sessions, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), sessions, time.Now())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to show (0 for all)")
	return cmd
}

// newTable returns a borderless table with two spaces between columns.
func newTable(headers ...string) *table.Table {
	cell := lipgloss.NewStyle().PaddingRight(2)
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, col int) lipgloss.Style { return cell }).
		Headers(headers...)
}

func printSessions(w io.Writer, sessions []sqlite.Session, now time.Time) {
	t := newTable("ID", "PROFILE", "STATUS", "STARTED", "DURATION", "FRAMES")
	for _, s := range sessions {
		duration := "-"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
		}
		status := s.Status
		if s.Error != "" {
			status += ": " + s.Error
		}
		t.Row(s.ID, s.Profile, status,
			humanize.RelTime(s.StartedAt, now, "ago", "from now"), duration, humanize.Comma(int64(s.Frames)))
	}
	fmt.Fprintln(w, t.String())
}

func newTraceShowCmd(g *globalFlags) *cobra.Command {
	var (
		filter  sqlite.FrameFilter
		kinds   string
		payload bool
	)
	cmd := &cobra.Command{
		Use:   "show [session]",
		Short: "Print the frames of a session (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.ResolveSession(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			if kinds != "" {
				filter.Kinds = strings.Split(kinds, ",")
			}
			frames, err := store.LoadFrames(cmd.Context(), id, filter)
			if err != nil {
				return err
			}
			printFrames(cmd.OutOrStdout(), frames, payload)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.Method, "method", "", "Glob over method names, e.g. 'wait*'")
	cmd.Flags().StringVar(&filter.GUID, "guid", "", "Only frames addressed to this guid")
	cmd.Flags().StringVar(&filter.Direction, "direction", "", "send or recv")
	cmd.Flags().StringVar(&kinds, "kind", "", "Comma separated kinds: request,result,create,dispose,adopt,event")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum frames to show")
	cmd.Flags().BoolVar(&payload, "payload", false, "Print raw payloads")
	return cmd
}

func printFrames(w io.Writer, frames []sqlite.Frame, payload bool) {
	if len(frames) == 0 {
		return
	}
	start := frames[0].At
	for _, f := range frames {
		arrow := "->"
		if f.Direction == "recv" {
			arrow = "<-"
		}
		target := f.Method
		if f.GUID != "" {
			target = f.GUID + "." + f.Method
		}
		id := ""
		if f.ID != 0 {
			id = fmt.Sprintf("#%d ", f.ID)
		}
		size := humanize.Bytes(uint64(len(f.Payload)))
		if f.Truncated {
			size += "+"
		}
		fmt.Fprintf(w, "%6d %8s %s %-8s %s%s (%s)\n", f.Seq, f.At.Sub(start).Round(time.Millisecond), arrow, f.Kind, id, target, size)
		if payload && len(f.Payload) > 0 {
			fmt.Fprintf(w, "       %s\n", f.Payload)
		}
	}
}

func newTraceObjectsCmd(g *globalFlags) *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "objects [session]",
		Short: "List the objects a session created",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.ResolveSession(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			objects, err := store.LoadObjects(cmd.Context(), id, live)
			if err != nil {
				return err
			}
			t := newTable("GUID", "TYPE", "PARENT", "LIFETIME")
			for _, o := range objects {
				lifetime := "live"
				if o.DisposedAt != nil {
					lifetime = o.DisposedAt.Sub(o.CreatedAt).Round(time.Millisecond).String()
				}
				t.Row(o.GUID, o.Type, o.Parent, lifetime)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), t.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "Hide disposed objects")
	return cmd
}

func newTraceRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <session>",
		Short: "Delete a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.ResolveSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteSession(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
