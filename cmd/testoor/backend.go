package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/blobstore"
	"github.com/ethpandaops/testoor/pkg/metrics"
	"github.com/ethpandaops/testoor/pkg/service"
	"github.com/ethpandaops/testoor/pkg/store"
)

// backend bundles the components every data command needs.
type backend struct {
	store   store.Store
	blobs   blobstore.Store
	metrics *metrics.Metrics
	svc     service.Service
}

// openBackend opens the database and the blob store from the loaded config.
// The caller must call close.
func openBackend(ctx context.Context) (*backend, error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	blobs, err := blobstore.New(log, &cfg.Storage)
	if err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	if err := blobs.Preflight(ctx); err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("blob store preflight: %w", err)
	}

	m := metrics.New()

	return &backend{
		store:   st,
		blobs:   blobs,
		metrics: m,
		svc:     service.NewService(log, st, blobs, m, &cfg.Query),
	}, nil
}

func (b *backend) close() {
	if err := b.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}
}
