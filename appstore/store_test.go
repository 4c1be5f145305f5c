package appstore

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/pkg/meta/mock"
)

func testApp(id string) *model.Application {
	return &model.Application{
		ID:     id,
		Tenant: "tenant-1",
		Name:   "mpi-batch",
		Template: model.TemplateSource{
			Entrypoint: "job.sh.tmpl",
			Files:      map[string]string{"job.sh.tmpl": "#SBATCH --nodes={{.nodes}}\n"},
		},
		Schema: []model.ParamSpec{{Name: "nodes", Type: model.ParamInt, Required: true}},
	}
}

func TestStoreVersioning(t *testing.T) {
	t.Parallel()

	store := NewStore(mock.NewKV(), clock.NewMock())
	ctx := context.Background()

	v1, err := store.Put(ctx, testApp("app-a"))
	require.NoError(t, err)
	require.Equal(t, int64(1), v1)

	v2, err := store.Put(ctx, testApp("app-a"))
	require.NoError(t, err)
	require.Equal(t, int64(2), v2)

	// both versions stay readable; records are immutable once written.
	got1, err := store.Get(ctx, "app-a", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), got1.Version)

	latest, err := store.Latest(ctx, "app-a")
	require.NoError(t, err)
	require.Equal(t, int64(2), latest.Version)
}

func TestStoreGetNotFound(t *testing.T) {
	t.Parallel()

	store := NewStore(mock.NewKV(), clock.NewMock())
	_, err := store.Get(context.Background(), "nope", 1)
	require.Error(t, err)
	require.True(t, errors.ErrAppNotFound.Equal(err))
}

func TestStoreGetCaches(t *testing.T) {
	t.Parallel()

	kv := mock.NewKV()
	store := NewStore(kv, clock.NewMock())
	ctx := context.Background()

	_, err := store.Put(ctx, testApp("app-c"))
	require.NoError(t, err)

	first, err := store.Get(ctx, "app-c", 1)
	require.NoError(t, err)
	again, err := store.Get(ctx, "app-c", 1)
	require.NoError(t, err)
	require.Same(t, first, again)
}

func TestStoreList(t *testing.T) {
	t.Parallel()

	store := NewStore(mock.NewKV(), clock.NewMock())
	ctx := context.Background()

	_, err := store.Put(ctx, testApp("app-a"))
	require.NoError(t, err)
	_, err = store.Put(ctx, testApp("app-a"))
	require.NoError(t, err)
	_, err = store.Put(ctx, testApp("app-b"))
	require.NoError(t, err)

	apps, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	require.Equal(t, "app-a", apps[0].ID)
	require.Equal(t, int64(2), apps[0].Version)
	require.Equal(t, "app-b", apps[1].ID)
}

func TestLoadBundle(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/bundles/mpi", 0o755))
	manifest := `name: mpi-batch
entrypoint: job.sh.tmpl
params:
  - name: nodes
    type: int
    required: true
  - name: partition
    type: string
    default: general
`
	require.NoError(t, afero.WriteFile(fs, "/bundles/mpi/jobdeck.yaml", []byte(manifest), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/bundles/mpi/job.sh.tmpl", []byte("#SBATCH --nodes={{.nodes}}\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/bundles/mpi/env.tmpl", []byte("P={{.partition}}\n"), 0o644))

	app, err := LoadBundle(fs, "/bundles/mpi")
	require.NoError(t, err)
	require.Equal(t, "mpi-batch", app.Name)
	require.Equal(t, "job.sh.tmpl", app.Template.Entrypoint)
	require.Len(t, app.Template.Files, 2)
	require.Len(t, app.Schema, 2)
	require.True(t, app.Schema[0].Required)
	require.Equal(t, "general", app.Schema[1].Default)
}

func TestLoadBundleMissingEntrypoint(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/bundles/bad", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/bundles/bad/jobdeck.yaml",
		[]byte("name: x\nentrypoint: gone.tmpl\n"), 0o644))

	_, err := LoadBundle(fs, "/bundles/bad")
	require.Error(t, err)
	require.True(t, errors.ErrBadBundle.Equal(err))
}

func TestPutRejectsMalformedTemplate(t *testing.T) {
	t.Parallel()

	store := NewStore(mock.NewKV(), clock.NewMock())
	app := testApp("app-broken")
	app.Template.Files["job.sh.tmpl"] = "#SBATCH --nodes={{.nodes"

	_, err := store.Put(context.Background(), app)
	require.Error(t, err)
	require.True(t, errors.ErrTemplateParse.Equal(err))

	// nothing may be written for a rejected upload.
	_, err = store.Latest(context.Background(), "app-broken")
	require.True(t, errors.ErrAppNotFound.Equal(err))
}
