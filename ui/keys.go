// Package ui holds the terminal helpers of the command-line front end:
// single-key shortcuts and colored operator messages.
package ui

import (
	"context"
	"sync"

	"github.com/eiannone/keyboard"
)

const KeyEsc rune = 27

var (
	keyCh     chan rune
	keyErr    error
	startOnce sync.Once
)

// StartKeyEvents returns a channel that emits single-key runes read without
// Enter. The channel is closed when the terminal stops delivering keys.
func StartKeyEvents() (<-chan rune, error) {
	startOnce.Do(func() {
		keyCh = make(chan rune, 64)
		if err := keyboard.Open(); err != nil {
			keyErr = err
			close(keyCh)
			return
		}
		go func() {
			defer keyboard.Close()
			defer close(keyCh)
			for {
				char, key, err := keyboard.GetKey()
				if err != nil {
					return
				}
				switch {
				case key == 0:
					emit(char)
				case key == keyboard.KeyEsc:
					emit(KeyEsc)
				case key == keyboard.KeyCtrlC:
					emit(KeyEsc)
					return
				}
			}
		}()
	})
	return keyCh, keyErr
}

func emit(r rune) {
	select {
	case keyCh <- r:
	default:
	}
}

// DrainKeys consumes any immediately available keys to avoid accidental triggers.
func DrainKeys(ch <-chan rune) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Commands are the operator actions reachable from the keyboard.
type Commands interface {
	Tare()
	Clear()
	Calibrate(knownWeight float64) error
}

// Bindings maps t, c and x to tare, calibrate and clear. Esc or q calls Quit.
type Bindings struct {
	Commands Commands
	// KnownWeight supplies the reference mass for c.
	KnownWeight func() (float64, error)
	Quit        func()
	// OnCommand is told about every command issued, or the error it failed with.
	OnCommand func(name string, err error)
}

// Dispatch handles keys until ch is closed or ctx is done.
func (b Bindings) Dispatch(ctx context.Context, ch <-chan rune) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			b.handle(r)
		}
	}
}

func (b Bindings) handle(r rune) {
	report := func(name string, err error) {
		if b.OnCommand != nil {
			b.OnCommand(name, err)
		}
	}
	switch r {
	case 't', 'T':
		b.Commands.Tare()
		report("tare", nil)
	case 'x', 'X':
		b.Commands.Clear()
		report("clear", nil)
	case 'c', 'C':
		w := 1.0
		if b.KnownWeight != nil {
			var err error
			if w, err = b.KnownWeight(); err != nil {
				report("calibrate", err)
				return
			}
		}
		report("calibrate", b.Commands.Calibrate(w))
	case 'q', 'Q', KeyEsc:
		if b.Quit != nil {
			b.Quit()
		}
	}
}
