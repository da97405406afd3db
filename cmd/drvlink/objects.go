package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rexliu/drvlink/pkg/core"
	"github.com/rexliu/drvlink/pkg/session"
	"github.com/rexliu/drvlink/pkg/wire"
)

func newObjectsCmd(g *globalFlags) *cobra.Command {
	var (
		asJSON bool
		save   bool
		launch string
	)
	cmd := &cobra.Command{
		Use:   "objects",
		Short: "Start the driver and print the remote object tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := g.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			if launch != "" {
				if err := launchBrowser(cmd, s, launch); err != nil {
					return err
				}
			}
			tree := s.Registry().Snapshot()
			if save {
				dir, err := g.profileDir()
				if err != nil {
					return err
				}
				path, err := writeSnapshot(dir, tree)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "snapshot written to %s\n", path)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tree)
			}
			printTree(cmd.OutOrStdout(), tree)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	cmd.Flags().BoolVar(&save, "save", false, "Also write snapshot.json to the profile directory")
	cmd.Flags().StringVar(&launch, "launch", "", "Launch a browser type (chromium, firefox, webkit) first")
	return cmd
}

func launchBrowser(cmd *cobra.Command, s *session.Session, name string) error {
	bt, ok := s.Playwright().BrowserType(name)
	if !ok {
		return fmt.Errorf("driver offers no browser type %q", name)
	}
	_, err := s.Call(cmd.Context(), bt.GUID(), "launch", map[string]any{"headless": true})
	return err
}

func printTree(w io.Writer, tree core.Tree) {
	tree.Walk(func(info core.ObjectInfo, depth int) {
		guid, typ := info.GUID, info.Type
		if guid == "" {
			guid = `""`
		}
		if typ == "" {
			typ = "Root"
		}
		fmt.Fprintf(w, "%s%s %s\n", strings.Repeat("  ", depth), typ, guid)
	})
}

func newCallCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <guid|type> <method> [params-json]",
		Short: "Send one request and print its result",
		Long: `Send one request and print its result.

The target is a guid, or a type name such as Playwright or BrowserType, in
which case the first live object of that type is used. Params are plain JSON
and are sent as given.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := g.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			guid, err := resolveTarget(s.Registry(), args[0])
			if err != nil {
				return err
			}
			var params any
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("params are not valid JSON")
				}
				params = json.RawMessage(args[2])
			}
			result, err := s.Call(cmd.Context(), guid, args[1], params)
			if err != nil {
				return err
			}
			return writeValue(cmd.OutOrStdout(), result)
		},
	}
	return cmd
}

func resolveTarget(reg *core.Registry, target string) (string, error) {
	if _, ok := reg.Get(target); ok {
		return target, nil
	}
	if refs := reg.FindByType(target); len(refs) > 0 {
		return refs[0].GUID(), nil
	}
	return "", fmt.Errorf("%w: %s", core.ErrObjectNotFound, target)
}

// writeValue prints plain JSON when the value has a JSON form and falls
// back to the wire dialect for NaN and friends.
func writeValue(w io.Writer, v wire.Value) error {
	if v.IsUndefined() {
		fmt.Fprintln(w, "undefined")
		return nil
	}
	if err := writeJSON(w, v.Interface()); err == nil {
		return nil
	}
	_, err := fmt.Fprintln(w, v.String())
	return err
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
