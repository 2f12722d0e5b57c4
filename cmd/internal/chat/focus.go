package chat

import "sync"

// FocusMap tracks, per connected user, which counterpart (if any) they
// currently have open in their UI.
//
// Focus is asymmetric and unilaterally owned: each user's own client is the
// only writer of that user's entry. There is deliberately no handshake with
// the counterpart, so readers may observe transiently stale focus. Delivery
// and seen status are advisory UI metadata, which makes this eventual
// consistency acceptable.
type FocusMap struct {
	mu    sync.RWMutex
	focus map[string]string
}

// NewFocusMap constructs an empty FocusMap.
func NewFocusMap() *FocusMap {
	return &FocusMap{focus: make(map[string]string)}
}

// Open sets userID's focus to counterpartID.
// The counterpart is not notified; focus is consulted reactively when the
// counterpart later sends a message, types, or reacts.
func (f *FocusMap) Open(userID, counterpartID string) {
	if f == nil || userID == "" || counterpartID == "" {
		return
	}
	f.mu.Lock()
	f.focus[userID] = counterpartID
	f.mu.Unlock()
}

// Close clears userID's focus entry.
func (f *FocusMap) Close(userID string) {
	if f == nil || userID == "" {
		return
	}
	f.mu.Lock()
	delete(f.focus, userID)
	f.mu.Unlock()
}

// Drop removes userID's entry on disconnect. Entries exist only for users
// with a live connection; a dangling entry for a disconnected counterpart is
// treated by readers as "not viewing".
func (f *FocusMap) Drop(userID string) {
	f.Close(userID)
}

// IsFocusedOn reports whether viewer currently has target's chat open.
func (f *FocusMap) IsFocusedOn(viewer, target string) bool {
	if f == nil || viewer == "" || target == "" {
		return false
	}
	f.mu.RLock()
	got := f.focus[viewer]
	f.mu.RUnlock()
	return got == target
}

// IsMutuallyFocused reports whether a and b have each other's chat open
// simultaneously. It gates the live reaction channel and the seen-at-send
// stamp.
func (f *FocusMap) IsMutuallyFocused(a, b string) bool {
	if f == nil || a == "" || b == "" || a == b {
		return false
	}
	f.mu.RLock()
	ok := f.focus[a] == b && f.focus[b] == a
	f.mu.RUnlock()
	return ok
}
