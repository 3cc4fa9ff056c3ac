package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/diceduel/internal/dependencies/mocks"
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/testutil"
	"github.com/sheerbytes/diceduel/internal/timers"
)

type recorder struct {
	rounds []model.RoundResult
	ends   []string
}

func (r *recorder) BroadcastRound(result model.RoundResult) { r.rounds = append(r.rounds, result) }
func (r *recorder) BroadcastMatchEnd(winnerID string) { r.ends = append(r.ends, winnerID) }

var (
	host  = model.Identity{ID: "host-id", DisplayName: "Hosty"}
	guest = model.Identity{ID: "guest-id", DisplayName: "Guesty"}
)

func newLoop(t *testing.T, rolls ...int) (*Loop, *recorder, *mocks.MockClock) {
	t.Helper()
	c := mocks.NewMockClock(time.Unix(0, 0))
	r := mocks.NewMockRandom()
	r.QueueIntn(rolls...)
	rec := &recorder{}
	return NewLoop(DefaultConfig(), c, r, timers.Inline, rec, testutil.NopLogger()), rec, c
}

func TestLoop_DecisiveRound(t *testing.T) {
	loop, rec, c := newLoop(t, 5, 2)
	loop.Start([]model.Identity{host, guest})
	assert.Equal(t, Rolling, loop.State())

	c.Advance(time.Second)
	require.Len(t, rec.rounds, 1)
	assert.Equal(t, map[string]int{"host-id": 6, "guest-id": 3}, rec.rounds[0].Rolls)
	assert.Equal(t, "host-id", rec.rounds[0].WinnerID)
	assert.Equal(t, Decided, loop.State())
	assert.Empty(t, rec.ends)

	c.Advance(3 * time.Second)
	assert.Empty(t, rec.ends, "match end before reveal delay")
	c.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{"host-id"}, rec.ends)
	assert.False(t, loop.Pending())

	c.Advance(time.Minute)
	assert.Len(t, rec.rounds, 1)
	assert.Len(t, rec.ends, 1)
}

func TestLoop_TieRerolls(t *testing.T) {
	loop, rec, c := newLoop(t, 3, 3, 0, 1)
	loop.Start([]model.Identity{host, guest})

	c.Advance(time.Second)
	require.Len(t, rec.rounds, 1)
	assert.True(t, rec.rounds[0].IsTie)
	assert.Empty(t, rec.rounds[0].WinnerID)
	assert.Equal(t, Rolling, loop.State())
	assert.Empty(t, rec.ends)

	c.Advance(3500 * time.Millisecond)
	require.Len(t, rec.rounds, 2)
	assert.Equal(t, "guest-id", rec.rounds[1].WinnerID)
	assert.Equal(t, 2, loop.Rounds())

	c.Advance(3500 * time.Millisecond)
	assert.Equal(t, []string{"guest-id"}, rec.ends)
	assert.Equal(t, "guest-id", loop.Winner())
}

func TestLoop_StartNeedsTwoPlayers(t *testing.T) {
	loop, rec, c := newLoop(t)
	loop.Start([]model.Identity{host})
	assert.Equal(t, AwaitingPlayers, loop.State())
	c.Advance(time.Minute)
	assert.Empty(t, rec.rounds)
}

func TestLoop_StartTwiceIsNoop(t *testing.T) {
	loop, rec, c := newLoop(t, 5, 2)
	loop.Start([]model.Identity{host, guest})
	loop.Start([]model.Identity{guest, host})
	c.Advance(time.Second)
	require.Len(t, rec.rounds, 1)
	assert.Equal(t, "host-id", rec.rounds[0].WinnerID)
}

func TestLoop_StopCancelsPendingWork(t *testing.T) {
	loop, rec, c := newLoop(t, 5, 2)
	loop.Start([]model.Identity{host, guest})
	c.Advance(time.Second)
	loop.Stop()
	c.Advance(time.Minute)
	assert.Empty(t, rec.ends)
	assert.Equal(t, 0, c.PendingTimers())
}

func TestLoop_DiceDrawsFromSixFaces(t *testing.T) {
	c := mocks.NewMockClock(time.Unix(0, 0))
	r := mocks.NewMockRandom()
	r.QueueIntn(5, 4)
	loop := NewLoop(DefaultConfig(), c, r, timers.Inline, &recorder{}, testutil.NopLogger())
	loop.Start([]model.Identity{host, guest})
	c.Advance(time.Second)
	assert.Equal(t, []int{6, 6}, r.Calls())
}
