package domain

import "fmt"

// Phase is the PlaybackCore FSM position.
type Phase int

const (
	PhasePreinit Phase = iota
	PhaseInitialize
	PhaseStartPlay
	PhaseIdle
	PhaseSeekBackfill
	PhasePlay
	PhaseResetIterator
	PhaseClose
)

var phaseNames = [...]string{
	"preinit", "initialize", "start-play", "idle",
	"seek-backfill", "play", "reset-iterator", "close",
}

func (p Phase) String() string {
	if int(p) >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}
