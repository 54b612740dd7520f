//go:build !tinygo

package ky040

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	var pPull gpio.Pull
	switch pull {
	case PullFloat:
		pPull = gpio.Float
	case PullDown:
		pPull = gpio.PullDown
	case PullUp:
		pPull = gpio.PullUp
	default:
		pPull = gpio.PullNoChange
	}
	return p.PinIO.In(pPull, gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

func (p *realPin) Watch(edge Edge, handler func()) error {
	var pEdge gpio.Edge
	switch edge {
	case RisingEdge:
		pEdge = gpio.RisingEdge
	case FallingEdge:
		pEdge = gpio.FallingEdge
	case BothEdges:
		pEdge = gpio.BothEdges
	default:
		pEdge = gpio.NoEdge
	}

	// Ensure we are in input mode with the correct edge detection
	if err := p.PinIO.In(gpio.PullUp, pEdge); err != nil {
		return err
	}

	p.stopWatch = make(chan struct{})

	go func() {
		for {
			// Wait for edge with -1 (infinite timeout)
			if p.PinIO.WaitForEdge(-1) {
				select {
				case <-p.stopWatch:
					return
				default:
					handler()
				}
			} else {
				// WaitForEdge returned false (timeout or error), check stop
				select {
				case <-p.stopWatch:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
	// Disable edge detection
	return p.PinIO.In(gpio.PullUp, gpio.NoEdge)
}

// Config holds the configuration for the Linux/periph.io binding.
type Config struct {
	// ClkPin is the GPIO pin number (BCM numbering) wired to the
	// encoder's CLK (A) output.
	ClkPin int
	// DtPin is the GPIO pin number (BCM numbering) wired to the
	// encoder's DT (B) output.
	DtPin int
}

// New creates a new KY-040 encoder for Linux systems.
// It initializes the GPIO interface using periph.io, opens the CLK and
// DT pins with pull-ups and returns the ready encoder.
func New(c Config) (*Encoder, error) {
	// periph.io host drivers must be loaded before pin lookup.
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	clkName := fmt.Sprintf("GPIO%d", c.ClkPin)
	realClk := gpioreg.ByName(clkName)
	if realClk == nil {
		return nil, fmt.Errorf("failed to open CLK pin %s", clkName)
	}

	dtName := fmt.Sprintf("GPIO%d", c.DtPin)
	realDt := gpioreg.ByName(dtName)
	if realDt == nil {
		return nil, fmt.Errorf("failed to open DT pin %s", dtName)
	}

	return NewWithPins(&realPin{PinIO: realClk}, &realPin{PinIO: realDt})
}
