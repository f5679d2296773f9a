package duo

import (
	"sort"

	"github.com/dkeye/Duo/store"
)

// ListActiveRooms watches a game's room listing and invokes fn with the
// codes of rooms that have a live host and no guest yet, sorted. It fires
// with the current listing first, then on every change. The returned
// function cancels the watch.
func ListActiveRooms(st store.Store, gameID string, fn func(codes []string)) func() {
	tok := st.SubscribeValue("rooms/"+gameID, func(v any) {
		rooms, _ := v.(map[string]any)
		codes := make([]string, 0, len(rooms))
		for code, rv := range rooms {
			m, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			if m["host"] == true && m["guest"] != true {
				codes = append(codes, code)
			}
		}
		sort.Strings(codes)
		fn(codes)
	})
	return func() { st.Unsubscribe(tok) }
}
