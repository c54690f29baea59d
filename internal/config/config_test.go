package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/and161185/datawrangler/internal/store"
)

func TestConnectionString(t *testing.T) {
	tests := []struct {
		in   DBSettings
		want string
	}{
		{DBSettings{FilePath: "/data/w.db"}, "Filename=/data/w.db;Connection=shared"},
		{DBSettings{FilePath: "/data/w.db", Password: "pw"}, "Filename=/data/w.db;Password='pw';Connection=shared"},
		{DBSettings{FilePath: "/data/w.db", Password: "it's"}, `Filename=/data/w.db;Password='it''s';Connection=shared`},
		{DBSettings{FilePath: "/data/o'k.db"}, `Filename='/data/o''k.db';Connection=shared`},
	}
	for _, tt := range tests {
		if got := tt.in.ConnectionString(); got != tt.want {
			t.Fatalf("ConnectionString(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConnectionString_ParsesBack(t *testing.T) {
	for _, in := range []DBSettings{
		{FilePath: "/data/a;b.db", Password: "p;w'd"},
		{FilePath: "/data/w.db", Password: `a'b"c;d`},
		{FilePath: `/data/"q".db`, Password: `';"'`},
	} {
		opts, err := store.ParseConnectionString(in.ConnectionString())
		require.NoError(t, err, in.ConnectionString())
		require.Equal(t, in.FilePath, opts.Filename)
		require.Equal(t, in.Password, opts.Password)
		require.True(t, opts.Shared)
	}
}

func TestFromMap(t *testing.T) {
	s, err := FromMap(map[string]string{"dbFilePath": " /x.db ", "dbPass": "secret"})
	require.NoError(t, err)
	require.Equal(t, DBSettings{FilePath: "/x.db", Password: "secret"}, s)
	require.Equal(t, map[string]string{"dbFilePath": "/x.db", "dbPass": "secret"}, s.Map())

	_, err = FromMap(map[string]string{"dbPass": "x"})
	require.ErrorIs(t, err, ErrNoDBSettings)
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	fs := NewFileStore(path)

	_, err := fs.GetDbSettings()
	require.ErrorIs(t, err, ErrNoDBSettings)

	require.NoError(t, fs.SavePreferences(Preferences{LastUsername: "alice", Theme: "Dark"}))
	require.NoError(t, fs.SaveDbSettings(DBSettings{FilePath: "/data/w.db", Password: "pw"}))

	got, err := fs.Load()
	require.NoError(t, err)
	want := Settings{
		DB:          DBSettings{FilePath: "/data/w.db", Password: "pw"},
		Preferences: Preferences{LastUsername: "alice", Theme: "Dark"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestFileStore_AcceptsJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `{
  // hand edited
  "db": {"dbFilePath": "/srv/w.db",},
  "preferences": {"style": "Compact"}, /* trailing */
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := NewFileStore(path).GetDbSettings()
	require.NoError(t, err)
	require.Equal(t, "/srv/w.db", s.FilePath)

	p, err := NewFileStore(path).GetPreferences()
	require.NoError(t, err)
	require.Equal(t, "Compact", p.Style)
}

func TestFileStore_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"db": `), 0o600))
	_, err := NewFileStore(path).Load()
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("WRANGLER_DB_PATH=/env/w.db\n"), 0o600))

	t.Setenv(EnvDBPath, "")
	require.NoError(t, os.Unsetenv(EnvDBPath))
	t.Setenv(EnvDBPass, "from-env")

	require.NoError(t, LoadEnv(envFile, filepath.Join(dir, "missing.env")))
	s := FromEnv(DBSettings{FilePath: "/cfg/w.db"})
	require.Equal(t, DBSettings{FilePath: "/env/w.db", Password: "from-env"}, s)
}
