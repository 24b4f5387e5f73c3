// Package store defines the narrow persistence interface the mesh core
// consumes (§6): the UI, the on-disk schema, and the concrete database are
// all external collaborators from the core's point of view. The core only
// ever talks to the Store interface.
package store

import "github.com/vince0028/gitchat-mesh/internal/model"

// Store is the persistent collaborator the mesh core writes committed
// messages and groups through. Implementations must be safe for concurrent
// use; the core calls these methods from its single actor context but the
// UI layer (outside this core) may read concurrently.
type Store interface {
	SaveMessage(m model.ChatMessage) error
	HasMessage(id string) (bool, error)
	EditMessage(id, body string) error
	DeleteMessage(id string) error
	// GetMessages returns messages for a group (groupID non-empty) or for
	// broadcast (groupID empty), newest-last.
	GetMessages(groupID string) ([]model.ChatMessage, error)
	ClearGroupMessages(groupID string) error
	ClearBroadcastMessages() error

	SaveGroup(g model.MeshGroup) error
	GetGroup(id string) (model.MeshGroup, bool, error)
	GetGroups() ([]model.MeshGroup, error)
	IsGroupMember(id, name string) (bool, error)
	AddMemberToGroup(id, name string) error
	RemoveMemberFromGroup(id, name string) error
	RenameGroup(id, newName string) error
	DeleteGroup(id string) error

	GetUsername() (string, bool, error)
	SaveUsername(name string) error

	Close() error
}
