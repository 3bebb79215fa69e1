// Command emit writes one encoded event batch into a collection directory.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/external-metrics/internal/batchstore"
	"github.com/and161185/external-metrics/internal/config"
	"github.com/and161185/external-metrics/model"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("emit", flag.ContinueOnError)
	dir := fs.String("d", "/var/lib/external-metrics/events", "collection directory")
	category := fs.Uint64("category", 0, "category hash of every event")
	ids := fs.String("ids", "1", "comma separated sequence ids")
	kind := fs.Uint64("kind", 0, "event kind hash, 0 for none")
	name := fs.String("name", "", "file name, generated when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	seqs, err := config.ParseUintList(*ids)
	if err != nil {
		return fmt.Errorf("ids: %w", err)
	}

	batch := model.Batch{Events: make([]model.Event, 0, len(seqs))}
	for _, seq := range seqs {
		e := model.Event{CategoryID: *category, SequenceID: seq}
		if *kind != 0 {
			k := *kind
			e.EventKind = &k
		}
		batch.Events = append(batch.Events, e)
	}

	data, err := batchstore.Encode(batch)
	if err != nil {
		return err
	}

	if *name == "" {
		*name = fmt.Sprintf("%d-%d.batch", time.Now().UnixNano(), os.Getpid())
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	path := filepath.Join(*dir, *name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	fmt.Fprintf(out, "wrote %d events to %s\n", batch.Len(), path)
	return nil
}
