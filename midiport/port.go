// Package midiport opens the MIDI output the sequencer plays into: a
// virtual port named after the spreadsheet, or an existing output port.
package midiport

import (
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // also registers the default driver
)

// scanTimeout bounds port enumeration (CoreMIDI can hang).
const scanTimeout = 3 * time.Second

// Port is an open MIDI output. It implements midi.Sink.
type Port struct {
	out     drivers.Out
	drv     *rtmididrv.Driver // set for virtual ports
	name    string
	virtual bool
	once    sync.Once
}

// OpenVirtual creates a virtual output port that other applications (a DAW)
// can subscribe to.
func OpenVirtual(name string) (*Port, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("start rtmidi driver"))
	}
	out, err := drv.OpenVirtualOut(name)
	if err != nil {
		_ = drv.Close()
		return nil, fault.Wrap(err, fmsg.With("open virtual port "+name))
	}
	return &Port{out: out, drv: drv, name: name, virtual: true}, nil
}

// OpenNamed opens an existing output port. An exact name match wins over a
// substring match.
func OpenNamed(name string) (*Port, error) {
	outs, err := scan()
	if err != nil {
		return nil, err
	}

	names := make([]string, len(outs))
	for i, o := range outs {
		names[i] = o.String()
	}
	i := match(names, name)
	if i < 0 {
		return nil, fault.New("midi output not found: " + name)
	}
	out := outs[i]
	if err := out.Open(); err != nil {
		return nil, fault.Wrap(err, fmsg.With("open port "+out.String()))
	}
	return &Port{out: out, name: out.String()}, nil
}

// List returns the names of the available output ports.
func List() ([]string, error) {
	outs, err := scan()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(outs))
	for i, o := range outs {
		names[i] = o.String()
	}
	return names, nil
}

// match returns the index of the port called name, or failing that the
// first port whose name contains it ignoring case, or -1.
func match(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	want := strings.ToLower(name)
	for i, n := range names {
		if strings.Contains(strings.ToLower(n), want) {
			return i
		}
	}
	return -1
}

func scan() ([]drivers.Out, error) {
	ch := make(chan []drivers.Out, 1)
	go func() {
		ch <- gomidi.GetOutPorts()
	}()

	select {
	case outs := <-ch:
		return outs, nil
	case <-time.After(scanTimeout):
		return nil, fault.New("timed out listing midi ports (is the midi server hung?)")
	}
}

// Name is the port name as other applications see it.
func (p *Port) Name() string {
	return p.name
}

// Virtual reports whether the port was created by this process.
func (p *Port) Virtual() bool {
	return p.virtual
}

// Send writes one raw MIDI message.
func (p *Port) Send(msg []byte) error {
	return p.out.Send(msg)
}

// Close closes the port and, for virtual ports, the driver behind it.
func (p *Port) Close() error {
	var err error
	p.once.Do(func() {
		err = p.out.Close()
		if p.drv != nil {
			if derr := p.drv.Close(); err == nil {
				err = derr
			}
		}
	})
	return err
}
