package duo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventsFireAtMostOnce(t *testing.T) {
	rec := &recorder{}
	ev := newEvents(rec.handlers())

	ev.fireConnected()
	ev.fireConnected()
	ev.fireDisconnected()
	ev.fireDisconnected()
	ev.fireData("x")
	ev.fireData("y")
	ev.fireJoinRequest()
	ev.fireJoinRequest()

	connected, disconnected, joinRequests, data := rec.snapshot()
	assert.Equal(t, 1, connected)
	assert.Equal(t, 1, disconnected)
	assert.Equal(t, 2, joinRequests, "join requests may repeat")
	assert.Equal(t, []any{"x", "y"}, data)
}

func TestEventsCloseIsABarrier(t *testing.T) {
	rec := &recorder{}
	ev := newEvents(rec.handlers())

	ev.close()
	ev.fireConnected()
	ev.fireData("late")
	ev.fireDisconnected()
	ev.fireError(errors.New("late"))

	connected, disconnected, _, data := rec.snapshot()
	assert.Zero(t, connected)
	assert.Zero(t, disconnected)
	assert.Empty(t, data)
	assert.NoError(t, rec.lastErr())
}

func TestEventsNilHandlersAreSkipped(t *testing.T) {
	ev := newEvents(Handlers{})
	assert.NotPanics(t, func() {
		ev.fireConnected()
		ev.fireData("x")
		ev.fireJoinRequest()
		ev.fireDisconnected()
		ev.fireError(errors.New("boom"))
		ev.close()
	})
}
