package relay

import (
	"fmt"
	"sync"
)

// SocketCloser closes transport sockets on behalf of the registry.
type SocketCloser interface {
	Disconnect(uid string)
}

// Registry indexes live sessions by socket id, socket URL and video id.
//
// At most one session exists per socket id and per socket URL. Several
// sessions may share a video id; lookups by video id return the oldest.
// A positive limit caps the number of live sessions.
type Registry struct {
	closer SocketCloser
	limit  int

	mu       sync.Mutex
	bySocket map[string]*Session
	byURL    map[string]*Session
	byVideo  map[string][]*Session
}

func NewRegistry(closer SocketCloser, limit int) *Registry {
	return &Registry{
		closer:   closer,
		limit:    limit,
		bySocket: make(map[string]*Session),
		byURL:    make(map[string]*Session),
		byVideo:  make(map[string][]*Session),
	}
}

// Insert registers s. A live session already holding s's URL is evicted and
// returned after its socket has been closed. Insert fails with
// ErrTooManySessions when s would exceed the limit; evicting a session for the
// same URL does not count against it.
func (r *Registry) Insert(s *Session) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.bySocket[s.socketID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSocket, s.socketID)
	}
	replaced := r.byURL[s.socketURL]
	if r.limit > 0 && replaced == nil && len(r.bySocket) >= r.limit {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	if replaced != nil && !r.unlinkLocked(replaced) {
		replaced = nil
	}
	r.bySocket[s.socketID] = s
	r.byURL[s.socketURL] = s
	r.byVideo[s.videoID] = append(r.byVideo[s.videoID], s)
	r.mu.Unlock()

	if replaced != nil {
		r.release(replaced)
	}
	return replaced, nil
}

// Remove unregisters s, cancels its deadline and closes its socket. It
// reports whether s was registered; removing an absent session is a no-op.
func (r *Registry) Remove(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	ok := r.unlinkLocked(s)
	r.mu.Unlock()
	if ok {
		r.release(s)
	}
	return ok
}

// RemoveAll tears down every session and returns them.
func (r *Registry) RemoveAll() []*Session {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.bySocket))
	for _, s := range r.bySocket {
		all = append(all, s)
	}
	r.bySocket = make(map[string]*Session)
	r.byURL = make(map[string]*Session)
	r.byVideo = make(map[string][]*Session)
	r.mu.Unlock()

	for _, s := range all {
		r.release(s)
	}
	return all
}

func (r *Registry) BySocket(socketID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySocket[socketID]
}

func (r *Registry) ByURL(socketURL string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byURL[socketURL]
}

func (r *Registry) ByVideo(videoID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if list := r.byVideo[videoID]; len(list) > 0 {
		return list[0]
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySocket)
}

func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.bySocket))
	for _, s := range r.bySocket {
		out = append(out, s)
	}
	return out
}

// unlinkLocked drops s from every index if s is the registered session for
// its socket id.
func (r *Registry) unlinkLocked(s *Session) bool {
	if cur, ok := r.bySocket[s.socketID]; !ok || cur != s {
		return false
	}
	delete(r.bySocket, s.socketID)
	if r.byURL[s.socketURL] == s {
		delete(r.byURL, s.socketURL)
	}
	list := r.byVideo[s.videoID]
	for i, v := range list {
		if v == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byVideo, s.videoID)
	} else {
		r.byVideo[s.videoID] = list
	}
	return true
}

func (r *Registry) release(s *Session) {
	if !s.markRemoved() {
		return
	}
	s.setConnected(false)
	if r.closer != nil {
		r.closer.Disconnect(s.socketID)
	}
}
