package relay

import "sort"

// GlobalChannel is the implicit broadcast domain used when channel scoping
// is disabled: every join lands here regardless of the requested channel.
const GlobalChannel = "global"

// directory owns the channel to member-set mapping. Member counts are always
// derived from set size, never tracked as a separate counter. An empty
// channel is evicted immediately: with no members left there is nothing to
// broadcast to, so "exists" and "has members" stay synonymous.
type directory struct {
	channels map[string]map[string]struct{}
}

func newDirectory() *directory {
	return &directory{channels: make(map[string]map[string]struct{})}
}

// join adds a connection to a channel, creating the channel on first join,
// and returns the new member count. Joining twice is idempotent.
func (d *directory) join(channel, connID string) int {
	members, ok := d.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		d.channels[channel] = members
	}
	members[connID] = struct{}{}
	return len(members)
}

// leave removes a connection from a channel and returns the remaining member
// count. The channel entry is dropped once its member set is empty.
func (d *directory) leave(channel, connID string) int {
	members, ok := d.channels[channel]
	if !ok {
		return 0
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(d.channels, channel)
		return 0
	}
	return len(members)
}

// membersOf returns the member connection IDs, empty for unknown channels.
func (d *directory) membersOf(channel string) []string {
	members, ok := d.channels[channel]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

func (d *directory) count(channel string) int {
	return len(d.channels[channel])
}

func (d *directory) list() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
