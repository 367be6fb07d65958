// Command ffado-meter opens a receive-only stream on a FireWire
// channel and draws a live per-port level meter to the terminal,
// polling internal/meter against a small self-contained engine.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/engine"
	"github.com/ffado/isoengine/internal/engineconfig"
	"github.com/ffado/isoengine/internal/enginelog"
	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/meter"
)

func main() {
	channel := pflag.Uint8P("channel", "c", 0, "FireWire iso channel to meter.")
	channels := pflag.IntP("ports", "n", 2, "Number of audio ports to meter.")
	interval := pflag.DurationP("interval", "i", 100*time.Millisecond, "Repaint interval.")
	help := pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - live terminal level meter for a receive stream\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: %s [OPTIONS]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	log := enginelog.Default("meter")

	cfg := engineconfig.Default()
	eng := engine.New(cfg)

	ports := make([]*amdtp.Port, *channels)
	for i := range ports {
		ports[i] = &amdtp.Port{
			Name:      fmt.Sprintf("in-%d", i+1),
			Direction: amdtp.Capture,
			Kind:      amdtp.KindAudio,
			DataType:  amdtp.Float,
			Position:  i,
			Enabled:   true,
		}
	}

	if _, err := eng.AddStream(engine.StreamSpec{
		Direction: isotransport.Receive,
		Channel:   *channel,
		Ports:     ports,
	}); err != nil {
		log.Fatal("adding stream", "err", err)
	}

	if err := eng.Start(func() {}); err != nil {
		log.Fatal("starting engine", "err", err)
	}
	defer eng.Stop()

	display, err := meter.Open(eng.Streams())
	if err != nil {
		log.Fatal("opening terminal", "err", err)
	}
	defer display.Close()

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	display.Run(*interval, stop)
}
