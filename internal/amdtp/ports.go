package amdtp

// Direction is the data flow direction of a Port relative to the
// client (§3).
type Direction int

const (
	Capture Direction = iota
	Playback
)

// Kind classifies what a Port carries.
type Kind int

const (
	KindAudio Kind = iota
	KindMIDI
	KindControl
)

// DataType is the wire/client representation of one Port's samples.
type DataType int

const (
	Int24 DataType = iota
	Float
	MIDIEvent
	ControlEvent
)

// State is a Port's lifecycle stage (§3): Created, then Initialized and
// Prepared before the first transfer, destroyed with its owning
// StreamProcessor.
type State int

const (
	PortCreated State = iota
	PortInitialized
	PortPrepared
)

// Port is one client-visible endpoint multiplexed into (or out of) an
// AMDTP data block: one audio channel, or one MIDI stream slot.
type Port struct {
	Name       string
	Direction  Direction
	Kind       Kind
	DataType   DataType
	EventSize  int // bytes per event in the client's own buffer
	BufferSize int // events
	Position   int // event index within a data block (0-based)
	Location   int // sub-slot offset, used by packet-scoped (MIDI) ports
	Enabled    bool
	state      State

	// Buffer is the client-supplied per-frame sample buffer for one
	// period transfer (§4.G/§6): GetFrames decodes into it, PutFrames
	// encodes from it. The client sizes it to the period's frame count
	// before each transfer; the stream processor never grows it.
	Buffer []float64
}

// State returns the Port's current lifecycle stage.
func (p *Port) State() State { return p.state }

// Init transitions Created -> Initialized.
func (p *Port) Init() { p.state = PortInitialized }

// Prepare transitions Initialized -> Prepared; it is a no-op (not an
// error) if already prepared, matching the idempotent prepare() calls
// elsewhere in the engine.
func (p *Port) Prepare() {
	if p.state == PortInitialized {
		p.state = PortPrepared
	}
}

// IsPeriodScoped reports whether this port is iterated once per
// event/data-block (audio, digital audio) as opposed to once per
// packet (MIDI, §4.G).
func (p *Port) IsPeriodScoped() bool {
	return p.Kind == KindAudio
}
