package domain

// Frame is one fixed-size block of mono 16-bit PCM.
// Producers hand it off and never touch it again.
type Frame []int16

// Roster is what the relay tells us about the room.
type Roster struct {
	Headcount int
	Members   []string
}
