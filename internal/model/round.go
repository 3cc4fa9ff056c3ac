package model

// DieFaces is the number of faces on each die.
const DieFaces = 6

// RoundResult is the outcome of one simultaneous roll.
// IsTie holds exactly when both rolls are equal, and then WinnerID is empty.
type RoundResult struct {
	Rolls    map[string]int
	WinnerID string
	IsTie    bool
}

// NewRoundResult decides a round between two players. The strictly higher roll wins.
func NewRoundResult(aID string, aRoll int, bID string, bRoll int) RoundResult {
	r := RoundResult{Rolls: map[string]int{aID: aRoll, bID: bRoll}}
	switch {
	case aRoll > bRoll:
		r.WinnerID = aID
	case bRoll > aRoll:
		r.WinnerID = bID
	default:
		r.IsTie = true
	}
	return r
}
