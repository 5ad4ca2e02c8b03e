package relay

import "time"

// connection is the registry's view of one live transport session. The
// username is empty until the first join; the channel is empty whenever the
// connection is not a member of anything.
type connection struct {
	id       string
	client   *Client
	username string
	userID   string
	avatar   string
	channel  string
	joinedAt time.Time
}

func (c *connection) joined() bool {
	return c.channel != ""
}

func (c *connection) userInfo() *UserInfo {
	return &UserInfo{ID: c.userID, Username: c.username, Avatar: c.avatar}
}

// registry owns the connID to identity/membership mapping. It is the single
// source of truth for who is online. All mutation happens on the relay loop
// under the relay mutex; operations on unknown IDs are no-ops so a racing
// disconnect never surfaces an error on the hot path.
type registry struct {
	conns map[string]*connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*connection)}
}

func (r *registry) add(c *Client) *connection {
	conn := &connection{id: c.ID, client: c}
	if c.auth != nil {
		conn.userID = c.auth.ID
		conn.avatar = c.auth.Avatar
	}
	r.conns[c.ID] = conn
	return conn
}

func (r *registry) get(id string) (*connection, bool) {
	conn, ok := r.conns[id]
	return conn, ok
}

// setIdentity records the display name for a connection. Empty names are
// rejected; once set the name is only replaced by a subsequent join.
func (r *registry) setIdentity(id, username string) error {
	if username == "" {
		return ErrEmptyUsername
	}
	if conn, ok := r.conns[id]; ok {
		conn.username = username
	}
	return nil
}

// remove unregisters a connection and returns its final state so the caller
// can run channel cleanup. Removing an unknown ID returns ok=false.
func (r *registry) remove(id string) (*connection, bool) {
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return conn, ok
}

func (r *registry) size() int {
	return len(r.conns)
}
