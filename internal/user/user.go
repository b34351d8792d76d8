// Package user implements the chat service's User record and the
// session-keyed table holding it, with secondary lookups by name and uuid.
package user

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// User is the immutable-by-convention record for one chat participant.
// Callers replace entries in the table rather than mutating a shared User.
type User struct {
	Name         string
	UUID         string
	URI          string // publicly reachable P2P endpoint
	SessionID    string
	Replicated   bool // learned via replica sync rather than a direct connect
	Disconnected bool // tombstone; retained so a reconnect can reclaim UUID
}

// Table maps session id to User, with secondary lookups by uppercased name
// and by uuid. At most one non-tombstoned entry may exist per uppercased
// name at a time.
type Table struct {
	mu     sync.Mutex
	byID   map[string]*User
	byName map[string]*User // key: strings.ToUpper(name)
	byUUID map[string]*User
}

// NewTable creates an empty UserTable.
func NewTable() *Table {
	return &Table{
		byID:   make(map[string]*User),
		byName: make(map[string]*User),
		byUUID: make(map[string]*User),
	}
}

// Connect registers a new session. A name collision with a live,
// non-replicated user refuses (ok=false); a tombstoned entry is reclaimed,
// keeping its uuid and replicated flag; a live replicated placeholder is
// removed and replaced by the new entry. replicated marks the new entry as
// learned from a peer rather than a direct client connect.
func (t *Table) Connect(sessionID, name, uri string, replicated bool) (u User, reclaimed bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := strings.ToUpper(name)
	if existing, found := t.byName[key]; found {
		if !existing.Disconnected && !existing.Replicated && !replicated {
			return User{}, false, false
		}
		if !existing.Disconnected && !existing.Replicated && replicated {
			// A synced copy of a user already live locally adds nothing.
			return User{}, false, false
		}

		// Reclaim: tombstoned entry with the same name regains its uuid
		// and keeps its own replicated flag.
		if existing.Disconnected {
			nu := User{
				Name:       name,
				UUID:       existing.UUID,
				URI:        uri,
				SessionID:  sessionID,
				Replicated: existing.Replicated,
			}
			t.remove(existing)
			t.insert(&nu)
			return nu, true, true
		}

		// A live replicated placeholder gives way to the new entry.
		t.remove(existing)
	}

	nu := User{
		Name:       name,
		UUID:       uuid.NewString(),
		URI:        uri,
		SessionID:  sessionID,
		Replicated: replicated,
	}
	t.insert(&nu)
	return nu, false, true
}

// Disconnect tombstones the user owning sessionID. It returns the tombstoned
// copy and whether a user was found.
func (t *Table) Disconnect(sessionID string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.byID[sessionID]
	if !ok {
		return User{}, false
	}
	u.Disconnected = true
	return *u, true
}

// Delete permanently removes the user owning sessionID (successful reclaim
// clears the old entry as part of Connect; this is for explicit cleanup).
func (t *Table) Delete(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.byID[sessionID]; ok {
		t.remove(u)
	}
}

// ByID returns the live entry for sessionID.
func (t *Table) ByID(sessionID string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byID[sessionID]
	if !ok || u.Disconnected {
		return User{}, false
	}
	return *u, true
}

// ByName returns the entry for name (uppercased match), live if one exists,
// else the tombstoned one.
func (t *Table) ByName(name string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byName[strings.ToUpper(name)]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// ByUUID returns the entry for uuid, live if one exists, else tombstoned.
func (t *Table) ByUUID(id string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byUUID[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Rebind moves a user from oldSessionID to newSessionID with a new URI,
// used by update_p2p_uri. Returns false if oldSessionID is unknown.
func (t *Table) Rebind(oldSessionID, newSessionID, newURI string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.byID[oldSessionID]
	if !ok {
		return User{}, false
	}

	nu := *u
	nu.SessionID = newSessionID
	nu.URI = newURI

	t.remove(u)
	t.insert(&nu)
	return nu, true
}

// LiveCount returns the number of non-tombstoned entries.
func (t *Table) LiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, u := range t.byID {
		if !u.Disconnected {
			n++
		}
	}
	return n
}

// LiveSessionIDs returns the session ids of every non-tombstoned user.
func (t *Table) LiveSessionIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.byID))
	for id, u := range t.byID {
		if !u.Disconnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a copy of every entry, live and tombstoned.
func (t *Table) Snapshot() []User {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]User, 0, len(t.byID))
	for _, u := range t.byID {
		out = append(out, *u)
	}
	return out
}

// insert/remove assume the caller already holds t.mu.
func (t *Table) insert(u *User) {
	t.byID[u.SessionID] = u
	t.byName[strings.ToUpper(u.Name)] = u
	t.byUUID[u.UUID] = u
}

func (t *Table) remove(u *User) {
	delete(t.byID, u.SessionID)
	if t.byName[strings.ToUpper(u.Name)] == u {
		delete(t.byName, strings.ToUpper(u.Name))
	}
	if t.byUUID[u.UUID] == u {
		delete(t.byUUID, u.UUID)
	}
}
