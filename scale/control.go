package scale

import (
	"fmt"
	"math"
	"strconv"
)

// Controller is the command intake used by the control plane. Every command
// resolves to a single mailbox push; commands issued faster than the loop
// consumes them coalesce to the latest.
type Controller struct {
	mailbox  *Mailbox[OperatingState]
	settings Settings
}

func NewController(mailbox *Mailbox[OperatingState], settings Settings) *Controller {
	return &Controller{mailbox: mailbox, settings: settings}
}

func (c *Controller) Tare() { c.mailbox.Push(StateTaring) }

func (c *Controller) Clear() { c.mailbox.Push(StateClearing) }

// Calibrate persists the reference weight and then requests calibration, so
// the loop always calibrates against the most recently submitted weight.
func (c *Controller) Calibrate(knownWeight float64) error {
	if err := ValidateKnownWeight(knownWeight); err != nil {
		return err
	}
	if c.settings != nil {
		if err := c.settings.Set(KeyKnownWeight, strconv.FormatFloat(knownWeight, 'g', -1, 64)); err != nil {
			return &PersistenceError{Op: "persist", Key: KeyKnownWeight, Err: err}
		}
	}
	c.mailbox.Push(StateCalibrating)
	return nil
}

// ValidateKnownWeight accepts finite reference masses greater than zero.
func ValidateKnownWeight(w float64) error {
	if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
		return fmt.Errorf("known weight must be a positive number, got %v", w)
	}
	return nil
}

// KnownWeight reads the reference weight last submitted with Calibrate.
func KnownWeight(s Settings) (float64, error) {
	if s == nil {
		return 0, ErrNoKnownWeight
	}
	v, ok, err := settingFloat(s, KeyKnownWeight)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoKnownWeight, err)
	}
	if !ok || v == 0 {
		return 0, ErrNoKnownWeight
	}
	return v, nil
}
