/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

package session

import (
	"sync"

	"github.com/google/uuid"
)

// Manager is the process-wide session registry: a thread-safe map from
// session id to the live *Session, used by the control-plane accessors
// (spec §4.11, "active session counts").
type Manager struct {
	mtx      sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewManager returns an empty session registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[uuid.UUID]*Session)}
}

// Add registers s and arranges for it to remove itself once closed.
func (m *Manager) Add(s *Session) {
	m.mtx.Lock()
	m.sessions[s.ID] = s
	m.mtx.Unlock()

	go func() {
		<-s.Done()
		m.Remove(s.ID)
	}()
}

// Remove drops a session from the registry; a no-op if it is not present.
func (m *Manager) Remove(id uuid.UUID) {
	m.mtx.Lock()
	delete(m.sessions, id)
	m.mtx.Unlock()
}

// Get returns the session registered under id, if any.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count reports the number of currently registered sessions.
func (m *Manager) Count() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every registered session. The shutdown path in
// cmd/smithproxy does not call it.
func (m *Manager) CloseAll() {
	m.mtx.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mtx.RUnlock()

	for _, s := range all {
		s.Close()
	}
}
