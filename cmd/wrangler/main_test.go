package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/and161185/datawrangler/internal/config"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/service"
)

type cliEnv struct {
	t      *testing.T
	dir    string
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	e := &cliEnv{t: t, dir: dir, config: filepath.Join(dir, config.FileName)}
	if code, _, stderr := e.run(false, "init", "--file", filepath.Join(dir, "w.db")); code != 0 {
		t.Fatalf("init: exit %d: %s", code, stderr)
	}
	return e
}

// run executes the CLI with the test settings file, as sysadmin when admin is set.
func (e *cliEnv) run(admin bool, args ...string) (int, string, string) {
	e.t.Helper()
	full := []string{"--config", e.config, "--env-file", filepath.Join(e.dir, ".env")}
	if admin {
		full = append(full, "-u", service.DefaultAdminUsername, "-p", service.DefaultAdminPassword)
	}
	full = append(full, args...)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	code, stdout, stderr := e.run(true, args...)
	if code != 0 {
		e.t.Fatalf("%v: exit %d: %s", args, code, stderr)
	}
	return stdout
}

func Test_run_Version_And_Unknown(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"version"}, &out, &errOut); code != 0 || !strings.HasPrefix(out.String(), "wrangler ") {
		t.Fatalf("version: code=%d out=%q", code, out.String())
	}
	out.Reset()
	if code := run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "c.json"), "bogus"}, &out, &errOut); code != 2 {
		t.Fatalf("unknown command: want exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "type-add") {
		t.Fatalf("usage should list commands: %s", errOut.String())
	}
}

func Test_init_SavesSettings(t *testing.T) {
	e := newCLIEnv(t)
	s, err := config.NewFileStore(e.config).GetDbSettings()
	if err != nil || s.FilePath != filepath.Join(e.dir, "w.db") {
		t.Fatalf("settings not saved: %+v %v", s, err)
	}
	if code, _, stderr := e.run(false, "init"); code != 1 || !strings.Contains(stderr, "already exists") {
		t.Fatalf("second init must refuse: code=%d stderr=%s", code, stderr)
	}
}

func Test_init_EncryptedPrintsPassphrase(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	args := []string{"--config", filepath.Join(dir, "c.json"), "init", "--file", filepath.Join(dir, "s.db"), "--encrypt"}
	if code := run(context.Background(), args, &out, &errOut); code != 0 {
		t.Fatalf("init: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "database password: ") {
		t.Fatalf("generated password not shown: %s", out.String())
	}
}

func Test_records_EndToEnd(t *testing.T) {
	e := newCLIEnv(t)

	var rt model.RecordType
	if err := json.Unmarshal([]byte(e.mustRun("type-add", "Asset", "Owner", "Value")), &rt); err != nil {
		t.Fatalf("type-add output: %v", err)
	}
	var ownerKey string
	for k, label := range rt.Attributes {
		if label == "Owner" {
			ownerKey = k
		}
	}
	if rt.ID != 1 || ownerKey == "" {
		t.Fatalf("unexpected record type: %+v", rt)
	}

	if id := strings.TrimSpace(e.mustRun("record-add", "1", ownerKey+"=Alice")); id != "1" {
		t.Fatalf("record-add id=%q", id)
	}
	if code, _, stderr := e.run(true, "record-add", "1", "nokey=x"); code != 1 || !strings.Contains(stderr, "not defined") {
		t.Fatalf("schema violation: code=%d stderr=%s", code, stderr)
	}
	if n := strings.TrimSpace(e.mustRun("search", "1", "alice", "--count")); n != "1" {
		t.Fatalf("search count=%q", n)
	}
	if n := strings.TrimSpace(e.mustRun("search", "1", "ali", "--key", ownerKey, "--count")); n != "1" {
		t.Fatalf("field search count=%q", n)
	}

	src := filepath.Join(e.dir, "note.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	blob := strings.TrimSpace(e.mustRun("attach", "1", "1", src))
	if !strings.HasPrefix(blob, "$/records/1/1/") || !strings.HasSuffix(blob, "/note.txt") {
		t.Fatalf("unexpected blob id %q", blob)
	}
	dest := filepath.Join(e.dir, "out.txt")
	e.mustRun("download", blob, dest)
	if b, err := os.ReadFile(dest); err != nil || string(b) != "hello" {
		t.Fatalf("download: %q %v", b, err)
	}

	e.mustRun("record-rm", "1", "1")
	if n := strings.TrimSpace(e.mustRun("search", "1", "alice", "--count")); n != "0" {
		t.Fatalf("search after delete=%q", n)
	}

	var rows []auditRow
	if err := json.Unmarshal([]byte(e.mustRun("audit", "--username", service.DefaultAdminUsername)), &rows); err != nil {
		t.Fatalf("audit output: %v", err)
	}
	if len(rows) == 0 || rows[0].Operation != "Delete" || rows[0].User != service.DefaultAdminUsername {
		t.Fatalf("unexpected audit trail: %+v", rows)
	}
}

func Test_users_HidesPasswordHash(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("user-add", "bob", "--password", "pw")
	out := e.mustRun("users")
	if strings.Contains(out, "assword") {
		t.Fatalf("users output leaks password: %s", out)
	}
	if !strings.Contains(out, `"bob"`) {
		t.Fatalf("users output misses bob: %s", out)
	}
}

func Test_login_RemembersUser(t *testing.T) {
	e := newCLIEnv(t)
	if code, _, _ := e.run(false, "login", service.DefaultAdminUsername, "--password", "wrong"); code != 1 {
		t.Fatalf("wrong password must fail")
	}
	if code, _, stderr := e.run(false, "login", service.DefaultAdminUsername, "--password", service.DefaultAdminPassword); code != 0 {
		t.Fatalf("login: %s", stderr)
	}
	p, err := config.NewFileStore(e.config).GetPreferences()
	if err != nil || p.LastUsername != service.DefaultAdminUsername {
		t.Fatalf("preferences: %+v %v", p, err)
	}
}

func Test_rebuild_ChangesPassword(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("rebuild", "--new-password", "s3cret")
	s, err := config.NewFileStore(e.config).GetDbSettings()
	if err != nil || s.Password != "s3cret" {
		t.Fatalf("new password not saved: %+v %v", s, err)
	}
	e.mustRun("types")
	if code, _, _ := e.run(true, "--db-pass", "other", "types"); code != 1 {
		t.Fatalf("wrong database password must fail")
	}
}

func Test_parseAttributes(t *testing.T) {
	t.Parallel()

	m, err := parseAttributes([]string{"a=1", "b=x=y", "c="})
	if err != nil || m["a"] != "1" || m["b"] != "x=y" || m["c"] != "" {
		t.Fatalf("parseAttributes: %v %v", m, err)
	}
	if _, err := parseAttributes([]string{"novalue"}); err == nil {
		t.Fatalf("want error for missing '='")
	}
}

func Test_auditRows_UnresolvedUser(t *testing.T) {
	t.Parallel()

	rows := auditRows([]*model.AuditEntry{{ID: 3, UserID: 9, Operation: model.OpSystem}})
	if len(rows) != 1 || rows[0].User != "#9" || rows[0].Operation != "System" {
		t.Fatalf("auditRows: %+v", rows)
	}
}
