package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/sheerbytes/diceduel/pkg/protocol"
)

func envelope(t string) protocol.Envelope {
	return protocol.Envelope{V: protocol.ProtocolVersion, Type: t, MsgID: t}
}

func drain(t *testing.T, c <-chan protocol.Envelope) []string {
	t.Helper()
	var got []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c:
			if !ok {
				return got
			}
			got = append(got, env.Type)
		case <-timeout:
			t.Fatalf("inbox not closed, got %v so far", got)
		}
	}
}

func TestInbox_DeliversInOrderThenCloses(t *testing.T) {
	b := NewInbox()
	for _, typ := range []string{"a", "b", "c"} {
		if !b.Push(envelope(typ)) {
			t.Fatalf("Push(%s) = false", typ)
		}
	}
	b.Close()
	if b.Push(envelope("late")) {
		t.Fatal("Push after Close = true")
	}
	got := drain(t, b.C())
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("got %v, want [a b c]", got)
	}
}

func TestInbox_AbortDropsQueued(t *testing.T) {
	b := NewInbox()
	b.Push(envelope("a"))
	b.Push(envelope("b"))
	b.Abort()
	b.Abort()
	if got := drain(t, b.C()); len(got) > 1 {
		t.Fatalf("Abort delivered %v", got)
	}
}

func TestLifecycle_FirstFinishWins(t *testing.T) {
	l := NewLifecycle()
	if l.Finished() {
		t.Fatal("Finished() before Finish")
	}
	boom := errors.New("boom")
	if !l.Finish(boom) {
		t.Fatal("first Finish = false")
	}
	if l.Finish(nil) {
		t.Fatal("second Finish = true")
	}
	<-l.Done()
	if !errors.Is(l.Err(), boom) {
		t.Fatalf("Err() = %v, want boom", l.Err())
	}
}
