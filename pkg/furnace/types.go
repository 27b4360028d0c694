// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package furnace

import "fmt"

// Setpoint selects the working setpoint.
type Setpoint int

const (
	Setpoint1 Setpoint = 0
	Setpoint2 Setpoint = 1
)

// Display is a front panel mode.
type Display int

const (
	DisplayStandard Display = iota
	DisplayOutputPower
	DisplayTimeRemaining
	DisplayTimeElapsed
	DisplayAlarmSetpoint
	DisplayLoadCurrent
	DisplayPVOnly
	DisplayCompositeTime
)

// TimerStatus is the state of the controller timer.
type TimerStatus int

const (
	TimerReset TimerStatus = iota
	TimerRun
	TimerHold
	TimerEnd
)

func (s TimerStatus) String() string {
	switch s {
	case TimerReset:
		return "reset"
	case TimerRun:
		return "run"
	case TimerHold:
		return "hold"
	case TimerEnd:
		return "end"
	}
	return fmt.Sprintf("TimerStatus(%d)", int(s))
}

// TimerType is the timer mode.
type TimerType int

const (
	TimerOff TimerType = iota
	TimerDwell
	TimerDelay
	TimerSoftStart
)

func (t TimerType) String() string {
	switch t {
	case TimerOff:
		return "off"
	case TimerDwell:
		return "dwell"
	case TimerDelay:
		return "delay"
	case TimerSoftStart:
		return "soft_start"
	}
	return fmt.Sprintf("TimerType(%d)", int(t))
}

// EndType is what the controller does when a dwell timer ends.
type EndType int

const (
	EndOff EndType = iota
	EndCurrent
	EndTransfer // transfer to setpoint 2
)

func (e EndType) String() string {
	switch e {
	case EndOff:
		return "off"
	case EndCurrent:
		return "current"
	case EndTransfer:
		return "transfer"
	}
	return fmt.Sprintf("EndType(%d)", int(e))
}

// Resolution is the timer display resolution.
type Resolution int

const (
	ResolutionHourMin Resolution = 0
	ResolutionMinSec  Resolution = 1
)
