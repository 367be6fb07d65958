// Package discovery watches udev for FireWire controller hotplug
// events and turns them into a channel of structural events a caller
// can use to decide when to start or stop the engine (§1: device
// discovery is an external collaborator, never imported by the core).
package discovery

import (
	"context"

	"github.com/jochenvg/go-udev"
)

// Action mirrors the udev action string for an add/remove/change
// event.
type Action string

const (
	Add    Action = "add"
	Remove Action = "remove"
	Change Action = "change"
)

// Event is one hotplug notification for a FireWire controller or
// node.
type Event struct {
	Action     Action
	DevicePath string
	Subsystem  string
}

// subsystems are the udev subsystems a FireWire-capable host exposes;
// firewire_ohci is the controller, fw is a node/unit directory.
var subsystems = []string{"firewire_ohci", "fw"}

// Watcher streams hotplug events until Close is called.
type Watcher struct {
	cancel context.CancelFunc
	events chan Event
}

// Watch starts a udev netlink monitor filtered to FireWire subsystems
// and begins delivering events on the returned Watcher's channel.
func Watch(ctx context.Context) (*Watcher, error) {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")

	for _, s := range subsystems {
		if err := mon.FilterAddMatchSubsystem(s); err != nil {
			return nil, err
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)

	deviceChan, errChan, err := mon.DeviceChan(watchCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	w := &Watcher{cancel: cancel, events: make(chan Event, 16)}
	go w.pump(deviceChan, errChan)

	return w, nil
}

func (w *Watcher) pump(deviceChan <-chan *udev.Device, errChan <-chan error) {
	defer close(w.events)

	for {
		select {
		case d, ok := <-deviceChan:
			if !ok {
				return
			}
			w.events <- Event{
				Action:     Action(d.Action()),
				DevicePath: d.Syspath(),
				Subsystem:  d.Subsystem(),
			}

		case _, ok := <-errChan:
			if !ok {
				return
			}
		}
	}
}

// Events returns the channel hotplug notifications arrive on; it is
// closed when the watcher's context is cancelled.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the monitor.
func (w *Watcher) Close() {
	w.cancel()
}

// Enumerate lists FireWire controllers and nodes already present at
// startup, as a one-shot snapshot of synthetic Add events, so a
// caller doesn't have to race the monitor for devices that were
// plugged in before Watch started.
func Enumerate() ([]Event, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()

	var events []Event

	for _, s := range subsystems {
		if err := e.AddMatchSubsystem(s); err != nil {
			return nil, err
		}
	}

	devices, err := e.Devices()
	if err != nil {
		return nil, err
	}

	for _, d := range devices {
		events = append(events, Event{
			Action:     Add,
			DevicePath: d.Syspath(),
			Subsystem:  d.Subsystem(),
		})
	}

	return events, nil
}
