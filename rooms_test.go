package duo

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duo/store/memstore"
)

func TestListActiveRooms(t *testing.T) {
	s := memstore.New()
	defer s.Close()

	var mu sync.Mutex
	var last []string
	cancel := ListActiveRooms(s.Connect(), "chess", func(codes []string) {
		mu.Lock()
		last = codes
		mu.Unlock()
	})
	defer cancel()

	// Empty game: the watch still fires with the current (empty) listing.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last != nil && len(last) == 0
	}, waitFor, poll)

	hostA := storeConn(t, s, &recorder{})
	defer hostA.Destroy()
	hostA.genCode = func() string { return "CD45QR" }
	_, err := hostA.CreateGame(context.Background())
	require.NoError(t, err)

	hostB := storeConn(t, s, &recorder{})
	defer hostB.Destroy()
	hostB.genCode = func() string { return "AB23XZ" }
	_, err = hostB.CreateGame(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2
	}, waitFor, poll)
	mu.Lock()
	assert.Equal(t, []string{"AB23XZ", "CD45QR"}, last, "sorted codes")
	mu.Unlock()

	// A joined room drops out of the listing.
	guest := storeConn(t, s, &recorder{})
	defer guest.Destroy()
	require.NoError(t, guest.JoinGame(context.Background(), "AB23XZ"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0] == "CD45QR"
	}, waitFor, poll)

	// A destroyed room disappears too.
	hostA.Destroy()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 0
	}, waitFor, poll)
}
