// Command ffado-loopback demonstrates the S1 loopback scenario
// against a real sound card: it opens a receive stream and a transmit
// stream over the synthetic transport, binds them to the default
// portaudio duplex device via internal/clientaudio, and lets audio
// flow playback->transmit->(wire)->receive->capture until
// interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/clientaudio"
	"github.com/ffado/isoengine/internal/engine"
	"github.com/ffado/isoengine/internal/engineconfig"
	"github.com/ffado/isoengine/internal/enginelog"
	"github.com/ffado/isoengine/internal/isotransport"
)

func main() {
	channels := pflag.IntP("channels", "n", 2, "Number of audio ports per direction.")
	sampleRate := pflag.Float64P("rate", "r", 48000, "Sample rate in Hz.")
	help := pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - loop a sound card's capture into its own playback through the engine\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: %s [OPTIONS]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	log := enginelog.Default("loopback")

	cfg := engineconfig.Default()
	cfg.NominalRate = int(*sampleRate)
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "err", err)
	}

	eng := engine.New(cfg)

	capture, err := eng.AddStream(engine.StreamSpec{
		Direction: isotransport.Receive,
		Channel:   0,
		Ports:     makePorts("capture", amdtp.Capture, *channels),
	})
	if err != nil {
		log.Fatal("adding capture stream", "err", err)
	}

	playback, err := eng.AddStream(engine.StreamSpec{
		Direction: isotransport.Transmit,
		Channel:   0,
		Ports:     makePorts("playback", amdtp.Playback, *channels),
	})
	if err != nil {
		log.Fatal("adding playback stream", "err", err)
	}

	if err := eng.Start(func() {}); err != nil {
		log.Fatal("starting engine", "err", err)
	}
	defer eng.Stop()

	binding, err := clientaudio.Open(*sampleRate, cfg.PeriodFrames, eng.Streams())
	if err != nil {
		log.Fatal("opening audio device", "err", err)
	}

	if err := binding.Start(); err != nil {
		log.Fatal("starting audio device", "err", err)
	}
	defer binding.Stop()

	log.Info("looping", "capture_ports", len(capture.Ports()), "playback_ports", len(playback.Ports()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("xruns", "count", binding.XRuns())
}

func makePorts(prefix string, dir amdtp.Direction, n int) []*amdtp.Port {
	ports := make([]*amdtp.Port, n)
	for i := range ports {
		ports[i] = &amdtp.Port{
			Name:      fmt.Sprintf("%s-%d", prefix, i+1),
			Direction: dir,
			Kind:      amdtp.KindAudio,
			DataType:  amdtp.Float,
			Position:  i,
			Enabled:   true,
		}
	}
	return ports
}
