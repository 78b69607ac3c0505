package tasks

import "tgmirror/internal/gateway"

// maxGroupSize bounds an album accumulation per the task runner design's
// "bounded <=120 ids on either side" rule - Telegram albums never exceed 10
// items in practice, but this protects against a pathological stream.
const maxGroupSize = 120

// grouper implements the media-group coalescing described in §4.6: messages
// arrive strictly ordered during history iteration; a non-null mediaGroupId
// accumulates until the group id changes (or the buffer fills), at which
// point the accumulated group is handed to the caller as a single unit so
// C5 sees the whole album at once.
type grouper struct {
	groupID int64
	buf     []gateway.Message
}

func newGrouper() *grouper { return &grouper{} }

// add feeds one message in and returns zero or more groups now ready to be
// mirrored (a lone non-album message always completes immediately; an album
// completes only when the group id changes or the size bound is hit).
func (g *grouper) add(msg gateway.Message) [][]gateway.Message {
	if msg.MediaGroupID == 0 {
		var out [][]gateway.Message
		if len(g.buf) > 0 {
			out = append(out, g.buf)
			g.buf = nil
			g.groupID = 0
		}
		out = append(out, []gateway.Message{msg})
		return out
	}

	if len(g.buf) > 0 && g.groupID != msg.MediaGroupID {
		completed := g.buf
		g.buf = []gateway.Message{msg}
		g.groupID = msg.MediaGroupID
		return [][]gateway.Message{completed}
	}

	g.groupID = msg.MediaGroupID
	g.buf = append(g.buf, msg)
	if len(g.buf) >= maxGroupSize {
		completed := g.buf
		g.buf = nil
		g.groupID = 0
		return [][]gateway.Message{completed}
	}
	return nil
}

// flushAll returns any partial group left over at end of iteration.
func (g *grouper) flushAll() [][]gateway.Message {
	if len(g.buf) == 0 {
		return nil
	}
	out := [][]gateway.Message{g.buf}
	g.buf = nil
	g.groupID = 0
	return out
}
