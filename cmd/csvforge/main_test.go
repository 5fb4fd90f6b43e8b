package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/files"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/internal/store/storetest"
	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useMemoryStore points every command at an in-memory store for the test.
func useMemoryStore(t *testing.T) *storetest.Memory {
	t.Helper()
	st := storetest.New()
	prev := openStore
	openStore = func(context.Context) (store.Store, func(), error) {
		return st, func() {}, nil
	}
	t.Cleanup(func() { openStore = prev })
	return st
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"migrate"},
		{"keys", "create"},
		{"keys", "list"},
		{"keys", "revoke"},
		{"jobs", "list"},
		{"jobs", "reap"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

// ─── migrate ────────────────────────────────────────────────────────────────

func TestMigrate_UsesDirFlag(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://csvforge@localhost/csvforge")
	var gotURL, gotDir string
	prev := runMigrations
	runMigrations = func(url, dir string) error {
		gotURL, gotDir = url, dir
		return nil
	}
	t.Cleanup(func() { runMigrations = prev })

	out, err := execute(t, "migrate", "--dir", "db/migrations")
	require.NoError(t, err)
	assert.Equal(t, "postgres://csvforge@localhost/csvforge", gotURL)
	assert.Equal(t, "db/migrations", gotDir)
	assert.Contains(t, out, "migrations applied")
}

func TestMigrate_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	prev := runMigrations
	runMigrations = func(string, string) error {
		t.Fatal("migrations must not run without a database url")
		return nil
	}
	t.Cleanup(func() { runMigrations = prev })

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestMigrate_PropagatesError(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://csvforge@localhost/csvforge")
	prev := runMigrations
	runMigrations = func(string, string) error { return errors.New("dirty database version 3") }
	t.Cleanup(func() { runMigrations = prev })

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dirty database")
}

// ─── keys ───────────────────────────────────────────────────────────────────

func TestKeysCreate(t *testing.T) {
	st := useMemoryStore(t)

	out, err := execute(t, "keys", "create", "--client", "acme", "--name", "ci", "--scope", "jobs", "--scope", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "client:  acme")
	assert.Contains(t, out, "scopes:  jobs,admin")
	assert.Regexp(t, `key: +[0-9a-f]{48}\n`, out)

	keys, err := st.ListAPIKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []string{"jobs", "admin"}, keys[0].Scopes)
}

func TestKeysCreate_DefaultScope(t *testing.T) {
	st := useMemoryStore(t)

	_, err := execute(t, "keys", "create", "--client", "acme")
	require.NoError(t, err)

	keys, err := st.ListAPIKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []string{"jobs"}, keys[0].Scopes)
}

func TestKeysCreate_Errors(t *testing.T) {
	useMemoryStore(t)

	_, err := execute(t, "keys", "create")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client")

	_, err = execute(t, "keys", "create", "--client", "acme", "--scope", "superuser")
	require.Error(t, err)
}

func TestKeysListAndRevoke(t *testing.T) {
	useMemoryStore(t)

	_, err := execute(t, "keys", "create", "--client", "acme", "--name", "ci")
	require.NoError(t, err)
	_, err = execute(t, "keys", "create", "--client", "globex", "--name", "batch")
	require.NoError(t, err)

	out, err := execute(t, "keys", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "globex")
	assert.Contains(t, out, "never")

	id := strings.Fields(lines[1])[0]
	out, err = execute(t, "keys", "revoke", id)
	require.NoError(t, err)
	assert.Contains(t, out, "revoked "+id)

	out, err = execute(t, "keys", "list")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
	assert.NotContains(t, out, id)
}

func TestKeysRevoke_Errors(t *testing.T) {
	useMemoryStore(t)

	_, err := execute(t, "keys", "revoke", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key id")

	_, err = execute(t, "keys", "revoke", uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = execute(t, "keys", "revoke")
	require.Error(t, err)
}

// ─── jobs ───────────────────────────────────────────────────────────────────

func seedJob(st *storetest.Memory, client string, status models.JobStatus, completedAgo time.Duration) *models.Job {
	now := time.Now().UTC()
	j := &models.Job{
		ID:              uuid.New(),
		ClientID:        client,
		Mode:            models.ModeTraining,
		Status:          status,
		InputRef:        "file:///data/in.csv",
		ProgressDetails: map[string]any{},
		CreatedAt:       now.Add(-completedAgo - time.Minute),
		UpdatedAt:       now,
	}
	if status.IsTerminal() {
		done := now.Add(-completedAgo)
		j.CompletedAt = &done
	}
	st.Put(j)
	return j
}

func TestJobsList(t *testing.T) {
	st := useMemoryStore(t)
	pending := seedJob(st, "acme", models.JobStatusPending, 0)
	done := seedJob(st, "acme", models.JobStatusCompleted, time.Hour)
	other := seedJob(st, "globex", models.JobStatusPending, 0)

	out, err := execute(t, "jobs", "list", "--client", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, pending.ID.String())
	assert.Contains(t, out, done.ID.String())
	assert.NotContains(t, out, other.ID.String())

	out, err = execute(t, "jobs", "list", "--status", "PENDING")
	require.NoError(t, err)
	assert.Contains(t, out, pending.ID.String())
	assert.Contains(t, out, other.ID.String())
	assert.NotContains(t, out, done.ID.String())
	assert.Contains(t, out, "PENDING")
}

func TestJobsList_InvalidFilters(t *testing.T) {
	useMemoryStore(t)

	_, err := execute(t, "jobs", "list", "--status", "sleeping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")

	_, err = execute(t, "jobs", "list", "--mode", "batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestJobsReap(t *testing.T) {
	st := useMemoryStore(t)
	old := seedJob(st, "acme", models.JobStatusCompleted, 48*time.Hour)
	recent := seedJob(st, "acme", models.JobStatusFailed, time.Minute)
	running := seedJob(st, "acme", models.JobStatusCoding, 0)

	out, err := execute(t, "jobs", "reap", "--max-age", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "reaped 1 jobs")

	ctx := context.Background()
	_, err = st.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetJob(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = st.GetJob(ctx, running.ID)
	assert.NoError(t, err)
}

func TestJobsReap_RemovesFiles(t *testing.T) {
	st := useMemoryStore(t)
	old := seedJob(st, "acme", models.JobStatusCompleted, 48*time.Hour)
	kept := seedJob(st, "acme", models.JobStatusCompleted, time.Minute)

	dir := t.TempDir()
	fs, err := files.New(dir)
	require.NoError(t, err)
	ctx := context.Background()
	oldRef, err := fs.SaveUpload(ctx, "acme", old.ID, "input.csv", strings.NewReader("a\n1\n"), 1024)
	require.NoError(t, err)
	keptRef, err := fs.SaveUpload(ctx, "acme", kept.ID, "input.csv", strings.NewReader("a\n1\n"), 1024)
	require.NoError(t, err)

	out, err := execute(t, "jobs", "reap", "--max-age", "1h", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "reaped 1 jobs")

	oldPath, err := fs.Path(oldRef)
	require.NoError(t, err)
	assert.NoFileExists(t, oldPath)
	keptPath, err := fs.Path(keptRef)
	require.NoError(t, err)
	assert.FileExists(t, keptPath)
}

func TestJobsReap_RequiresPositiveMaxAge(t *testing.T) {
	useMemoryStore(t)

	_, err := execute(t, "jobs", "reap", "--max-age", "0s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--max-age")
}

func TestOpenStoreError(t *testing.T) {
	prev := openStore
	openStore = func(context.Context) (store.Store, func(), error) {
		return nil, nil, errors.New("connect database: refused")
	}
	t.Cleanup(func() { openStore = prev })

	_, err := execute(t, "keys", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}
