package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type DuplicateSessionIdError struct {
	Id uint32
}

func (e *DuplicateSessionIdError) Error() string {
	return fmt.Sprintf("Attempted to create session with duplicate ID %d", e.Id)
}

type MissingSessionIdError struct {
	Id uint32
}

func (e *MissingSessionIdError) Error() string {
	return fmt.Sprintf("Missing session with id=%d", e.Id)
}

type TooManySessionsError struct{}

func (e *TooManySessionsError) Error() string {
	return "Too many clients are connected - cannot create new session"
}

type SessionMetadata struct {
	Mut           sync.RWMutex
	TransportName string
	RemoteAddr    string
	CreatedTime   int64
	LastRecvTime  int64
}

// SessionStore tracks every live connection across transports: IDs,
// origin, and last-activity timestamps for diagnostics.
type SessionStore struct {
	MaxSessions int

	nextSessionId atomic.Uint32

	mut_sessions sync.RWMutex
	sessions     map[uint32]*SessionMetadata
}

func CreateSessionStore(maxSessions int) *SessionStore {
	return &SessionStore{
		MaxSessions:   maxSessions,
		nextSessionId: atomic.Uint32{},
		mut_sessions:  sync.RWMutex{},
		sessions:      make(map[uint32]*SessionMetadata),
	}
}

func (store *SessionStore) GetNewSessionId() uint32 {
	return store.nextSessionId.Add(1)
}

func (store *SessionStore) HasSession(sessionId uint32) bool {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	_, has := store.sessions[sessionId]
	return has
}

func (store *SessionStore) CreateSession(sessionId uint32, transportName string, remoteAddr string, timestamp int64) error {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	if _, has := store.sessions[sessionId]; has {
		return &DuplicateSessionIdError{Id: sessionId}
	}

	if store.MaxSessions > 0 && len(store.sessions) >= store.MaxSessions {
		return &TooManySessionsError{}
	}

	store.sessions[sessionId] = &SessionMetadata{
		Mut:           sync.RWMutex{},
		TransportName: transportName,
		RemoteAddr:    remoteAddr,
		CreatedTime:   timestamp,
		LastRecvTime:  timestamp,
	}

	return nil
}

func (store *SessionStore) RemoveSession(sessionId uint32) {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()
	delete(store.sessions, sessionId)
}

func (store *SessionStore) ActiveCount() int {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()
	return len(store.sessions)
}

func (store *SessionStore) SetRecvTimestamp(sessionId uint32, timestamp int64) error {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	session, has := store.sessions[sessionId]
	if !has {
		return &MissingSessionIdError{Id: sessionId}
	}

	session.Mut.Lock()
	defer session.Mut.Unlock()

	session.LastRecvTime = timestamp
	return nil
}

func (store *SessionStore) GetTransportName(sessionId uint32) (string, error) {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	session, has := store.sessions[sessionId]
	if !has {
		return "", &MissingSessionIdError{Id: sessionId}
	}

	session.Mut.RLock()
	defer session.Mut.RUnlock()

	return session.TransportName, nil
}
