// Package appstore stores versioned application definitions. A version is
// immutable once written: revising an application allocates the next version
// and leaves older ones in place, so submissions referencing them stay
// reproducible forever.
package appstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/pkg/meta"
	"github.com/jobdeck/jobdeck/renderer"
)

const putRetries = 8

// Store reads and writes application versions in the durable store.
type Store struct {
	metaKV meta.KV
	clock  clock.Clock

	// cache holds decoded versions. Records are immutable, so entries are
	// never invalidated, only evicted by the cache's own expiry.
	cache *gocache.Cache
}

// NewStore creates a Store on the given KV backend.
func NewStore(metaKV meta.KV, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		metaKV: metaKV,
		clock:  clk,
		cache:  gocache.New(gocache.NoExpiration, 0),
	}
}

func cacheKey(id model.ApplicationID, version int64) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// Put writes app as the next version of app.ID and returns that version.
// Lost races against concurrent writers of the same application retry with
// a fresh version number.
func (s *Store) Put(ctx context.Context, app *model.Application) (int64, error) {
	// reject malformed templates at ingest; a version, once written, is
	// immutable, so a broken one could never be repaired in place.
	if err := renderer.ValidateTemplate(app.Template); err != nil {
		return 0, err
	}
	for i := 0; i < putRetries; i++ {
		latest, err := s.Latest(ctx, app.ID)
		if err != nil && !errors.ErrAppNotFound.Equal(err) {
			return 0, err
		}
		version := int64(1)
		if latest != nil {
			version = latest.Version + 1
		}

		stored := *app
		stored.Version = version
		stored.CreatedAt = s.clock.Now().UTC()
		value, err := json.Marshal(&stored)
		if err != nil {
			return 0, errors.Trace(err)
		}

		_, ok, err := s.metaKV.PutIf(ctx, meta.ApplicationKey(app.ID, version), string(value), 0)
		if err != nil {
			return 0, err
		}
		if ok {
			log.L().Info("application version written",
				zap.String("app-id", app.ID),
				zap.Int64("version", version))
			return version, nil
		}
		// another writer took this version number, allocate the next one.
	}
	return 0, errors.ErrAppAlreadyExists.GenWithStackByArgs(app.ID, int64(0))
}

// Get returns one immutable application version.
func (s *Store) Get(ctx context.Context, id model.ApplicationID, version int64) (*model.Application, error) {
	if cached, ok := s.cache.Get(cacheKey(id, version)); ok {
		return cached.(*model.Application), nil
	}

	kv, err := s.metaKV.Get(ctx, meta.ApplicationKey(id, version))
	if err != nil {
		return nil, err
	}
	if kv == nil {
		return nil, errors.ErrAppNotFound.GenWithStackByArgs(id, version)
	}

	app := &model.Application{}
	if err := json.Unmarshal([]byte(kv.Value), app); err != nil {
		return nil, errors.Wrap(errors.ErrMetaOp, err)
	}
	s.cache.Set(cacheKey(id, version), app, gocache.NoExpiration)
	return app, nil
}

// Latest returns the highest version of the application.
func (s *Store) Latest(ctx context.Context, id model.ApplicationID) (*model.Application, error) {
	kvs, err := s.metaKV.Scan(ctx, meta.ApplicationKeyPrefix(id))
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, errors.ErrAppNotFound.GenWithStackByArgs(id, int64(0))
	}
	// versions are zero-padded in the key, so the scan's last entry is the
	// newest version.
	app := &model.Application{}
	if err := json.Unmarshal([]byte(kvs[len(kvs)-1].Value), app); err != nil {
		return nil, errors.Wrap(errors.ErrMetaOp, err)
	}
	return app, nil
}

// List returns the latest version of every stored application.
func (s *Store) List(ctx context.Context) ([]*model.Application, error) {
	kvs, err := s.metaKV.Scan(ctx, meta.ApplicationKeyPrefix(""))
	if err != nil {
		return nil, err
	}
	latest := make(map[model.ApplicationID]*model.Application)
	order := make([]model.ApplicationID, 0)
	for _, kv := range kvs {
		app := &model.Application{}
		if err := json.Unmarshal([]byte(kv.Value), app); err != nil {
			return nil, errors.Wrap(errors.ErrMetaOp, err)
		}
		if _, seen := latest[app.ID]; !seen {
			order = append(order, app.ID)
		}
		if prev, seen := latest[app.ID]; !seen || app.Version > prev.Version {
			latest[app.ID] = app
		}
	}
	apps := make([]*model.Application, 0, len(latest))
	for _, id := range order {
		apps = append(apps, latest[id])
	}
	return apps, nil
}
