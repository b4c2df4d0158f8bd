// roomclient is a demo client for the room controller: it restores the
// offline cache, goes online against a roomserver, and keeps incrementing a
// shared counter at random intervals until interrupted. Run several copies
// against the same reference, kill the network, and watch them reconcile.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/happylinks/browser/pkg/doc"
	"github.com/happylinks/browser/pkg/room"
	"github.com/happylinks/browser/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	urlVar := flag.String("url", "http://127.0.0.1:8080", "the base url of the room server")
	referenceVar := flag.String("reference", "default", "the logical room reference")
	dbVar := flag.String("db", "browser.sqlite3", "the sqlite offline cache")
	flag.Parse()

	st, err := store.Open(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()

	r := room.New(room.Config{
		URL:       *urlVar,
		Reference: *referenceVar,
		Store:     st,
	})

	if err := r.OnUpdateDoc(func(d *doc.Doc) {
		value, _ := d.Unwrap().Path("counter").Counter().Get()
		slog.Info("document updated", "heads", d.Heads(), "counter", value)
	}); err != nil {
		return err
	}
	r.OnConnect(func() {
		slog.Info("connected")
	})
	r.OnDisconnect(func(reason string) {
		slog.Info("disconnected", "reason", reason)
	})

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	d, err := r.Init(initCtx)
	cancelInit()
	if err != nil {
		return err
	}
	slog.Info("established base doc", "heads", d.Heads(), "room", r.RoomID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
			select {
			case <-t.C:
				d, err := r.PublishDoc(ctx, func(d *automerge.Doc) error {
					return d.Path("counter").Counter().Inc(1)
				})
				if err != nil {
					slog.Error("failed to increment counter", "err", err)
					continue
				}
				value, _ := d.Unwrap().Path("counter").Counter().Get()
				slog.Info("incremented", "heads", d.Heads(), "counter", value)
			case <-ctx.Done():
				t.Stop()
				slog.Info("stopping scheduled increment")
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	r.Disconnect()
	r.Flush()
	return nil
}
