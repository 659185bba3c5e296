// Package intent holds the pending role intent of a device: the role the
// user chose to set up before that role's profile existed.
package intent

import (
	"sync"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"
)

// Memory keeps the intent in process. It does not survive restarts.
type Memory struct {
	mu   sync.RWMutex
	role domain.Role
}

// NewMemory returns an empty in-memory intent store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get() domain.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// Set stores role. RoleNone clears the intent.
func (m *Memory) Set(role domain.Role) {
	if !role.Valid() {
		role = domain.RoleNone
	}
	m.mu.Lock()
	m.role = role
	m.mu.Unlock()
}
