// Command ffado-watch prints FireWire controller and node hotplug
// events as they happen, a diagnostic counterpart to the teacher's
// standalone utility commands (cmd/tnctest, cmd/atest): a small tool
// that exercises one package (internal/discovery) end to end and
// prints what it sees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffado/isoengine/internal/discovery"
	"github.com/ffado/isoengine/internal/enginelog"
)

func main() {
	skipEnumerate := pflag.Bool("no-enumerate", false, "Skip printing already-present devices at startup.")
	help := pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - watch FireWire controller hotplug events\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: %s [OPTIONS]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	log := enginelog.Default("watch")

	if !*skipEnumerate {
		existing, err := discovery.Enumerate()
		if err != nil {
			log.Fatal("enumerating existing devices", "err", err)
		}
		for _, ev := range existing {
			printEvent(ev)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := discovery.Watch(ctx)
	if err != nil {
		log.Fatal("starting watcher", "err", err)
	}
	defer watcher.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			printEvent(ev)

		case <-sig:
			return
		}
	}
}

func printEvent(ev discovery.Event) {
	fmt.Printf("%-6s %-14s %s\n", ev.Action, ev.Subsystem, ev.DevicePath)
}
