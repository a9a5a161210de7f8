package follow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/host"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// Registrar ensures follower twins exist before interests are opened for them.
type Registrar struct {
	client     directory.Client
	identities host.IdentityProvider
	logger     *zap.Logger
}

// NewRegistrar creates a registrar.
func NewRegistrar(client directory.Client, identities host.IdentityProvider, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{client: client, identities: identities, logger: logger.Named("registrar")}
}

// Register upserts the follower twin described by spec and returns its reference.
// Upserting an existing twin is harmless. Errors are returned to the caller as is:
// they are fatal to the follow that needed the twin and are not retried here.
func (r *Registrar) Register(ctx context.Context, spec twin.FollowerSpec) (twin.TwinRef, error) {
	if err := spec.Validate(); err != nil {
		return twin.TwinRef{}, err
	}
	id, err := r.identities.Identity(host.RoleFollower, spec.KeyName)
	if err != nil {
		return twin.TwinRef{}, fmt.Errorf("follower identity: %w", err)
	}

	ref, err := r.client.UpsertTwin(ctx, directory.UpsertRequest{Twin: spec.Model(id.DID)})
	if err != nil {
		r.logger.Warn("follower twin upsert failed", zap.String("did", id.DID), zap.Error(err))
		return twin.TwinRef{}, fmt.Errorf("registering follower twin %s: %w", id.DID, err)
	}
	r.logger.Info("follower twin registered", zap.Stringer("twin", ref), zap.String("label", spec.Label))
	return ref, nil
}
