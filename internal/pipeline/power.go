package pipeline

import "sync/atomic"

// PowerSource reports the remaining battery charge.
type PowerSource interface {
	BatteryPercent() (int, error)
}

// StaticPower is a [PowerSource] with a settable level, for devices without
// a battery gauge and for tests.
type StaticPower struct {
	percent atomic.Int32
}

// NewStaticPower returns a source reporting percent.
func NewStaticPower(percent int) *StaticPower {
	p := &StaticPower{}
	p.Set(percent)
	return p
}

// BatteryPercent implements [PowerSource].
func (p *StaticPower) BatteryPercent() (int, error) {
	return int(p.percent.Load()), nil
}

// Set changes the reported level.
func (p *StaticPower) Set(percent int) {
	p.percent.Store(int32(min(max(percent, 0), 100)))
}
