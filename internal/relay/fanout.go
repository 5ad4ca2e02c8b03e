package relay

// fanout delivers a frame to every member of a channel except the excluded
// connection. Each target is independent: a member whose send buffer is full
// or whose transport already failed is scheduled for cleanup without
// affecting delivery to anyone else.
func (r *Relay) fanout(channel string, frame *Frame, exclude string) {
	r.mu.RLock()
	members := r.directory.membersOf(channel)
	targets := make([]*Client, 0, len(members))
	for _, id := range members {
		if id == exclude {
			continue
		}
		if conn, ok := r.registry.get(id); ok {
			targets = append(targets, conn.client)
		}
	}
	r.mu.RUnlock()

	data := frame.encode()
	var failed []*Client
	for _, target := range targets {
		if target.trySend(data) {
			r.framesSent.Add(1)
		} else {
			r.framesDropped.Add(1)
			failed = append(failed, target)
		}
	}

	// Lazy cleanup, best effort: a dead member is unregistered the moment a
	// delivery to it fails.
	for _, target := range failed {
		r.disconnect(target.ID, "send buffer full")
	}
}

// broadcastPresence sends the current member list and count to every member
// of a channel, the triggering connection included.
func (r *Relay) broadcastPresence(channel string) {
	r.mu.RLock()
	update := r.presenceLocked(channel)
	r.mu.RUnlock()

	frame := newFrame(EventPresence, channel)
	frame.Presence = &update
	r.fanout(channel, frame, "")
}
