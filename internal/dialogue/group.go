// ABOUTME: Thread-safe roster of agents participating in one conversation
// ABOUTME: Membership changes keep each agent's group binding in sync

package dialogue

import (
	"sync"

	"github.com/google/uuid"
)

// Group is the in-memory roster for one conversation group.
type Group struct {
	ID uuid.UUID

	mu      sync.RWMutex
	members map[uuid.UUID]*Agent
}

// NewGroup creates an empty roster for the given group id.
func NewGroup(id uuid.UUID) *Group {
	return &Group{
		ID:      id,
		members: make(map[uuid.UUID]*Agent),
	}
}

// AddMember adds an agent to the group and binds the agent to it.
func (g *Group) AddMember(a *Agent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[a.ID] = a
	a.SetGroup(g.ID)
}

// RemoveMember takes an agent out of the group and clears its binding.
// Removing a non-member is a no-op.
func (g *Group) RemoveMember(a *Agent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a.SetGroup(uuid.Nil)
	delete(g.members, a.ID)
}

// IsMember reports whether the agent id belongs to the group.
func (g *Group) IsMember(id uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[id]
	return ok
}

// Member returns the agent with the given id, or nil.
func (g *Group) Member(id uuid.UUID) *Agent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members[id]
}

// Members returns a snapshot of all agents in the group.
func (g *Group) Members() []*Agent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := make([]*Agent, 0, len(g.members))
	for _, a := range g.members {
		members = append(members, a)
	}
	return members
}

// MemberIDs returns a snapshot of all member ids.
func (g *Group) MemberIDs() []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	return ids
}

// SpeakingMembers returns the agents currently in the speaking state.
func (g *Group) SpeakingMembers() []*Agent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var speaking []*Agent
	for _, a := range g.members {
		if a.State() == StateSpeaking {
			speaking = append(speaking, a)
		}
	}
	return speaking
}
