package app

import "sync"

// chatLocks serializes turn-state mutations per chat. A chat's mutex is
// created on first use and kept for the life of the process; chats are
// few enough that the table is never reaped.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the chat's mutex and returns its unlock func.
func (l *chatLocks) lock(chatID string) func() {
	l.mu.Lock()
	m, ok := l.locks[chatID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[chatID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
