// Command ffado-enginectl runs a standalone streaming engine and
// exposes its STATUS/START/STOP/XRUNS control protocol over TCP,
// optionally advertised via DNS-SD, the same role
// src/appserver.go plays for a TNC: a thin network front end over an
// already-implemented engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/control"
	"github.com/ffado/isoengine/internal/engine"
	"github.com/ffado/isoengine/internal/engineconfig"
	"github.com/ffado/isoengine/internal/enginelog"
	"github.com/ffado/isoengine/internal/isotransport"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a YAML engine configuration file; defaults are used if omitted.")
	port := pflag.IntP("port", "p", 9760, "Control protocol TCP port.")
	captureChannels := pflag.IntP("capture-channels", "i", 2, "Number of audio ports on the receive stream.")
	playbackChannels := pflag.IntP("playback-channels", "o", 2, "Number of audio ports on the transmit stream.")
	serviceName := pflag.StringP("name", "n", "ffado-engine", "DNS-SD service instance name.")
	noAdvertise := pflag.Bool("no-advertise", false, "Do not advertise the control port over DNS-SD.")
	help := pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - run the streaming engine and its control server\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: %s [OPTIONS]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	log := enginelog.Default("enginectl")

	cfg := engineconfig.Default()
	if *configPath != "" {
		loaded, err := engineconfig.Load(*configPath)
		if err != nil {
			log.Fatal("loading config", "err", err)
		}
		cfg = loaded
	}

	eng := engine.New(cfg)

	if _, err := eng.AddStream(engine.StreamSpec{
		Direction: isotransport.Receive,
		Channel:   0,
		Ports:     makePorts("capture", amdtp.Capture, *captureChannels),
	}); err != nil {
		log.Fatal("adding capture stream", "err", err)
	}

	if _, err := eng.AddStream(engine.StreamSpec{
		Direction: isotransport.Transmit,
		Channel:   1,
		Ports:     makePorts("playback", amdtp.Playback, *playbackChannels),
	}); err != nil {
		log.Fatal("adding playback stream", "err", err)
	}

	if err := eng.Start(func() {}); err != nil {
		log.Fatal("starting engine", "err", err)
	}
	defer eng.Stop()

	srv := control.New(eng)
	if err := srv.Listen(*port); err != nil {
		log.Fatal("listening", "err", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !*noAdvertise {
		if err := control.Advertise(ctx, *serviceName, *port); err != nil {
			log.Warn("dns-sd advertise failed", "err", err)
		}
	}

	log.Info("engine running", "port", *port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
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
