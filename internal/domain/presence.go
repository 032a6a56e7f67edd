package domain

// Presence is a coarse health indicator surfaced to the playback listener.
type Presence string

const (
	PresenceInitializing Presence = "initializing"
	PresencePresent      Presence = "present"
	PresenceBuffering    Presence = "buffering"
	PresenceError        Presence = "error"
)
