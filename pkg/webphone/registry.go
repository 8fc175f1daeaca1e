package webphone

import (
	"fmt"
	"sync"
)

// Registry хранит активные сессии с сохранением порядка добавления.
// Порядок нужен для детерминированного обхода в холд-командах и снимках.
type Registry struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
	order    []string
}

// NewRegistry создает пустой реестр сессий
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add добавляет сессию. Возвращает ошибку при дубликате идентификатора.
func (r *Registry) Add(session *Session) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.sessions[session.ID()]; exists {
		return fmt.Errorf("сессия %s уже зарегистрирована", session.ID())
	}
	r.sessions[session.ID()] = session
	r.order = append(r.order, session.ID())
	return nil
}

// Remove удаляет сессию по идентификатору. Повторное удаление безопасно.
func (r *Registry) Remove(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.sessions[id]; !exists {
		return
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get возвращает сессию по идентификатору
func (r *Registry) Get(id string) (*Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

// All возвращает сессии в порядке добавления
func (r *Registry) All() []*Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	result := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.sessions[id])
	}
	return result
}

// Len возвращает число сессий в реестре
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}
