// Package tenant constructs per-tenant infrastructure handles from a
// resolved configuration.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/broker"
	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/datastore"
	"github.com/tokenworks/token-processor/pkg/strategy"
)

// Recognized configuration keys. These come out of the merged strategy
// payloads; missing keys are fatal rather than defaulted.
const (
	KeyDBType    = "dbtype"
	KeyDBConn    = "dbconn"
	KeyCacheType = "cachetype"
	KeyCacheConn = "cacheconn"
	KeyMBType    = "mbtype"
	KeyMBConn    = "mbconn"
)

// ErrIncompleteConfig indicates a recognized key was missing after merge.
var ErrIncompleteConfig = errors.New("incomplete tenant configuration")

// Provider bundles the infrastructure handles a tenant's workers run
// against.
type Provider struct {
	TenantID int64
	Store    datastore.Store
	Cache    cache.Cache
	Broker   broker.Broker

	log logrus.FieldLogger
}

// Open constructs a provider from a resolved configuration. All three
// handles must resolve; a partially opened provider is closed before the
// error returns.
func Open(ctx context.Context, log logrus.FieldLogger, resolved *strategy.ResolvedConfig) (*Provider, error) {
	values := resolved.Values

	for _, key := range []string{KeyDBType, KeyDBConn, KeyCacheType, KeyCacheConn, KeyMBType, KeyMBConn} {
		if values[key] == "" {
			return nil, fmt.Errorf("%w: tenant %d is missing %q", ErrIncompleteConfig, resolved.TenantID, key)
		}
	}

	p := &Provider{
		TenantID: resolved.TenantID,
		log:      log.WithField("component", "tenant_provider").WithField("tenant_id", resolved.TenantID),
	}

	store, err := datastore.New(ctx, values[KeyDBType], values[KeyDBConn])
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant %d data store: %w", resolved.TenantID, err)
	}

	p.Store = store

	tenantCache, err := cache.New(values[KeyCacheType], values[KeyCacheConn], fmt.Sprintf("tenant:%d", resolved.TenantID))
	if err != nil {
		p.Close(ctx)

		return nil, fmt.Errorf("failed to open tenant %d cache: %w", resolved.TenantID, err)
	}

	p.Cache = tenantCache

	mb, err := broker.New(values[KeyMBType], values[KeyMBConn])
	if err != nil {
		p.Close(ctx)

		return nil, fmt.Errorf("failed to open tenant %d broker: %w", resolved.TenantID, err)
	}

	p.Broker = mb

	p.log.WithFields(logrus.Fields{
		"db_engine":     values[KeyDBType],
		"cache_engine":  values[KeyCacheType],
		"broker_engine": values[KeyMBType],
	}).Info("Opened tenant provider")

	return p, nil
}

// Close releases every handle the provider managed to open.
func (p *Provider) Close(ctx context.Context) {
	if p.Broker != nil {
		if err := p.Broker.Close(); err != nil {
			p.log.WithError(err).Warn("Failed to close tenant broker")
		}
	}

	if p.Cache != nil {
		if err := p.Cache.Close(); err != nil {
			p.log.WithError(err).Warn("Failed to close tenant cache")
		}
	}

	if p.Store != nil {
		if err := p.Store.Close(ctx); err != nil {
			p.log.WithError(err).Warn("Failed to close tenant data store")
		}
	}
}
