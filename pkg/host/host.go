// Package host defines the collaborator that supplies the engine with its
// directory client, identities and task runner.
package host

import (
	"context"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
)

// Role selects which identity a caller acts as.
type Role int

const (
	RoleAgent Role = iota
	RoleUser
	RoleFollower
	RoleTwin
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleUser:
		return "user"
	case RoleFollower:
		return "follower"
	case RoleTwin:
		return "twin"
	default:
		return "unknown"
	}
}

// Identity is a decentralized identifier owned by the engine.
type Identity struct {
	DID     string
	KeyName string
	Role    Role
}

// IdentityProvider derives identities. For RoleFollower and RoleTwin the key name
// selects the twin; the same key name always yields the same DID.
type IdentityProvider interface {
	Identity(role Role, keyName string) (Identity, error)
}

// TaskRunner executes tasks with bounded concurrency.
type TaskRunner interface {
	// Go schedules task. It blocks while the runner is saturated and fails when ctx
	// is done first or the runner is closed.
	Go(ctx context.Context, task func()) error
}

// Host bundles the engine's collaborators.
type Host interface {
	DirectoryClient() directory.Client
	Identities() IdentityProvider
	Executor() TaskRunner
}

type staticHost struct {
	client     directory.Client
	identities IdentityProvider
	executor   TaskRunner
}

// New returns a Host backed by the given collaborators.
func New(client directory.Client, identities IdentityProvider, executor TaskRunner) Host {
	return &staticHost{client: client, identities: identities, executor: executor}
}

func (h *staticHost) DirectoryClient() directory.Client { return h.client }
func (h *staticHost) Identities() IdentityProvider      { return h.identities }
func (h *staticHost) Executor() TaskRunner              { return h.executor }
