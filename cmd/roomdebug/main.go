// roomdebug inspects the offline cache: it prints the cached room document for
// a reference, lists its change log, and can render the change graph to SVG.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/happylinks/browser/pkg/room"
	"github.com/happylinks/browser/pkg/store"
	"github.com/happylinks/browser/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "browser.sqlite3", "the sqlite offline cache")
	referenceVar := flag.String("reference", "default", "the logical room reference")
	renderVar := flag.String("render", "", "a document path to render the change graph for, e.g. counter")
	flag.Parse()

	st, err := store.Open(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()

	raw, err := st.GetDoc(context.Background(), *referenceVar, room.DocName)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("no cached document for reference %q", *referenceVar)
	}
	d, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "contents", d.RootMap().GoString())
	slog.Info("loaded heads", "heads", d.Heads())

	changes, err := d.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *renderVar != "" {
		svgPath, err := viz.RenderHistoryToTemp(d, []interface{}{*renderVar})
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}
