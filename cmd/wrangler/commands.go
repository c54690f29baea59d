package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/and161185/datawrangler/internal/config"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/service"
)

var errUsage = errors.New("wrong arguments")

func init() {
	register(command{usage: "init [--file path] [--overwrite] [--encrypt] [--db-password pw]", short: "Create a database with the default sysadmin account", exec: cmdInit})
	register(command{usage: "login <username> --password pw", short: "Check credentials and remember the user name", exec: cmdLogin})
	register(command{usage: "types [--skip n] [--limit n]", short: "List record types", exec: cmdTypes})
	register(command{usage: "type-add <name> [label...]", short: "Create a record type", exec: cmdTypeAdd})
	register(command{usage: "type-rm <typeID> [--cascade]", short: "Delete a record type", exec: cmdTypeRm})
	register(command{usage: "records <typeID> [--skip n] [--limit n]", short: "List records of a type", exec: cmdRecords})
	register(command{usage: "record-add <typeID> [key=value...]", short: "Create a record", exec: cmdRecordAdd})
	register(command{usage: "record-rm <typeID> <id>", short: "Delete a record and its attachments", exec: cmdRecordRm})
	register(command{usage: "search <typeID> <term> [--key k] [--count]", short: "Search records by attribute", exec: cmdSearch})
	register(command{usage: "attach <typeID> <id> <path...>", short: "Attach files to a record", exec: cmdAttach})
	register(command{usage: "detach <typeID> <id> <blobID>", short: "Remove an attachment", exec: cmdDetach})
	register(command{usage: "download <blobID> <dest>", short: "Save an attachment to a file", exec: cmdDownload})
	register(command{usage: "audit [--type id] [--record typeID:id] [--user-id id] [--username name]", short: "Show the audit trail", exec: cmdAudit})
	register(command{usage: "users [--skip n] [--limit n]", short: "List user accounts", exec: cmdUsers})
	register(command{usage: "user-add <username> --password pw", short: "Create a user account", exec: cmdUserAdd})
	register(command{usage: "user-passwd <id> --password pw", short: "Change the password of an account", exec: cmdUserPasswd})
	register(command{usage: "rebuild [--new-password pw | --remove-password]", short: "Compact the database file", exec: cmdRebuild})
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

func paging(fs *flag.FlagSet) (skip, limit *int) {
	return fs.Int("skip", 0, "entries to skip"), fs.Int("limit", service.DefaultPageSize, "maximum entries")
}

func atoi(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive id, got %q", errUsage, name, v)
	}
	return n, nil
}

func needArgs(fs *flag.FlagSet, n int, usage string) error {
	if fs.NArg() < n {
		return fmt.Errorf("%w: usage: wrangler %s", errUsage, usage)
	}
	return nil
}

func cmdInit(ctx context.Context, a *app, args []string) error {
	fs := a.flags("init")
	file := fs.String("file", a.settings.FilePath, "database file to create")
	overwrite := fs.Bool("overwrite", false, "replace an existing file")
	encrypt := fs.Bool("encrypt", false, "protect the file with a password")
	pass := fs.String("db-password", "", "password to use with --encrypt (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("%w: --file is required when no database is configured", errUsage)
	}
	res, err := result[service.InitResult](service.InitializeSystem(ctx, a.cfg, service.InitOptions{
		FilePath:  *file,
		Overwrite: *overwrite,
		Encrypt:   *encrypt || *pass != "",
		Password:  *pass,
	}, a.log))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "created %s, settings saved to %s\n", res.Settings.FilePath, a.cfg.Path())
	if res.Passphrase != "" {
		fmt.Fprintf(a.out, "database password: %s\n", res.Passphrase)
	}
	fmt.Fprintf(a.out, "login as %s with the default password and change it\n", service.DefaultAdminUsername)
	return nil
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	fs := a.flags("login")
	pass := fs.String("password", a.password, "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 1, "login <username> --password pw"); err != nil {
		return err
	}
	a.user, a.password = fs.Arg(0), *pass
	return a.withService(ctx, func(*service.Service) error {
		prefs, err := a.cfg.GetPreferences()
		if err != nil {
			return err
		}
		prefs.LastUsername = a.user
		if err := a.cfg.SavePreferences(prefs); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "ok")
		return nil
	})
}

func cmdTypes(ctx context.Context, a *app, args []string) error {
	fs := a.flags("types")
	skip, limit := paging(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		rts, err := result[[]*model.RecordType](s.GetRecordTypes(ctx, *skip, *limit))
		if err != nil {
			return err
		}
		return a.printJSON(rts)
	})
}

func cmdTypeAdd(ctx context.Context, a *app, args []string) error {
	fs := a.flags("type-add")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 1, "type-add <name> [label...]"); err != nil {
		return err
	}
	rt, err := service.NewRecordType(fs.Arg(0), fs.Args()[1:]...)
	if err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		if _, err := result[int](s.AddRecordType(ctx, rt)); err != nil {
			return err
		}
		return a.printJSON(rt)
	})
}

func cmdTypeRm(ctx context.Context, a *app, args []string) error {
	fs := a.flags("type-rm")
	cascade := fs.Bool("cascade", false, "also drop the records and attachments of the type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 1, "type-rm <typeID> [--cascade]"); err != nil {
		return err
	}
	id, err := atoi("typeID", fs.Arg(0))
	if err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		rt, err := result[*model.RecordType](s.GetRecordTypeByID(ctx, id))
		if err != nil {
			return err
		}
		if _, err := result[bool](s.DeleteRecordType(ctx, rt, *cascade)); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "deleted record type %d (%s)\n", rt.ID, rt.Name)
		return nil
	})
}

func cmdRecords(ctx context.Context, a *app, args []string) error {
	fs := a.flags("records")
	skip, limit := paging(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 1, "records <typeID>"); err != nil {
		return err
	}
	typeID, err := atoi("typeID", fs.Arg(0))
	if err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		recs, err := result[[]*model.Record](s.GetRecordsByType(ctx, typeID, *skip, *limit))
		if err != nil {
			return err
		}
		return a.printJSON(recs)
	})
}

// parseAttributes turns key=value arguments into an attribute map.
func parseAttributes(args []string) (map[string]string, error) {
	attrs := make(map[string]string, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: attribute %q is not key=value", errUsage, kv)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func cmdRecordAdd(ctx context.Context, a *app, args []string) error {
	fs := a.flags("record-add")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 1, "record-add <typeID> [key=value...]"); err != nil {
		return err
	}
	typeID, err := atoi("typeID", fs.Arg(0))
	if err != nil {
		return err
	}
	attrs, err := parseAttributes(fs.Args()[1:])
	if err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		r := &model.Record{TypeID: typeID, Attributes: attrs, Active: true}
		id, err := result[int](s.AddRecord(ctx, r))
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, id)
		return nil
	})
}

// loadRecord resolves typeID and id arguments to a stored record.
func loadRecord(ctx context.Context, s *service.Service, typeArg, idArg string) (*model.Record, error) {
	typeID, err := atoi("typeID", typeArg)
	if err != nil {
		return nil, err
	}
	id, err := atoi("id", idArg)
	if err != nil {
		return nil, err
	}
	return result[*model.Record](s.GetRecordByID(ctx, typeID, id))
}

func cmdRecordRm(ctx context.Context, a *app, args []string) error {
	fs := a.flags("record-rm")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 2, "record-rm <typeID> <id>"); err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		r, err := loadRecord(ctx, s, fs.Arg(0), fs.Arg(1))
		if err != nil {
			return err
		}
		if _, err := result[bool](s.DeleteRecord(ctx, r)); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "deleted record %d\n", r.ID)
		return nil
	})
}

func cmdSearch(ctx context.Context, a *app, args []string) error {
	fs := a.flags("search")
	key := fs.String("key", "", "search one attribute key instead of all")
	count := fs.Bool("count", false, "print the number of matches only")
	skip, limit := paging(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 2, "search <typeID> <term>"); err != nil {
		return err
	}
	typeID, err := atoi("typeID", fs.Arg(0))
	if err != nil {
		return err
	}
	term := fs.Arg(1)
	return a.withService(ctx, func(s *service.Service) error {
		switch {
		case *count && *key != "":
			n, err := result[int](s.GetRecordCountByRecordTypeAndSearch(ctx, typeID, *key, term))
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, n)
			return nil
		case *count:
			n, err := result[int](s.GetRecordCountGlobalSearch(ctx, typeID, term))
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, n)
			return nil
		}
		st := s.SearchRecords(ctx, typeID, term, *skip, *limit)
		if *key != "" {
			st = s.GetRecordsByTypeSearch(ctx, typeID, *key, term, *skip, *limit)
		}
		recs, err := result[[]*model.Record](st)
		if err != nil {
			return err
		}
		return a.printJSON(recs)
	})
}

func cmdAttach(ctx context.Context, a *app, args []string) error {
	fs := a.flags("attach")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 3, "attach <typeID> <id> <path...>"); err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		r, err := loadRecord(ctx, s, fs.Arg(0), fs.Arg(1))
		if err != nil {
			return err
		}
		ids, err := result[[]string](s.AddAttachmentsToRecord(ctx, r, fs.Args()[2:]))
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(a.out, id)
		}
		return nil
	})
}

func cmdDetach(ctx context.Context, a *app, args []string) error {
	fs := a.flags("detach")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 3, "detach <typeID> <id> <blobID>"); err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		r, err := loadRecord(ctx, s, fs.Arg(0), fs.Arg(1))
		if err != nil {
			return err
		}
		if _, err := result[bool](s.DeleteAttachmentFromRecord(ctx, r, fs.Arg(2))); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "ok")
		return nil
	})
}

func cmdDownload(ctx context.Context, a *app, args []string) error {
	fs := a.flags("download")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 2, "download <blobID> <dest>"); err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		if _, err := result[bool](s.SaveFileFromRecord(ctx, fs.Arg(0), fs.Arg(1))); err != nil {
			return err
		}
		fmt.Fprintln(a.out, fs.Arg(1))
		return nil
	})
}

// auditRow is the printed form of an audit entry.
type auditRow struct {
	ID         int       `json:"id"`
	Date       time.Time `json:"date"`
	User       string    `json:"user"`
	Operation  string    `json:"operation"`
	Collection string    `json:"collection"`
	ObjectID   int       `json:"objectId"`
	Note       string    `json:"note,omitempty"`
}

func auditRows(entries []*model.AuditEntry) []auditRow {
	rows := make([]auditRow, 0, len(entries))
	for _, e := range entries {
		row := auditRow{
			ID:         e.ID,
			Date:       e.Date,
			Operation:  e.Operation.String(),
			Collection: e.ObjectLookupCol,
			ObjectID:   e.ObjectID,
			Note:       e.Note,
		}
		if e.User != nil {
			row.User = e.User.Username
		} else {
			row.User = "#" + strconv.Itoa(e.UserID)
		}
		rows = append(rows, row)
	}
	return rows
}

func cmdAudit(ctx context.Context, a *app, args []string) error {
	fs := a.flags("audit")
	typeID := fs.Int("type", 0, "entries of one record type")
	rec := fs.String("record", "", "entries of one record, as typeID:id")
	userID := fs.Int("user-id", 0, "entries of one user account")
	username := fs.String("username", "", "entries written by a user")
	skip, limit := paging(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		st := s.GetAuditEntries(ctx, *skip, *limit)
		switch {
		case *rec != "":
			t, id, ok := strings.Cut(*rec, ":")
			if !ok {
				return fmt.Errorf("%w: --record wants typeID:id", errUsage)
			}
			r, err := loadRecord(ctx, s, t, id)
			if err != nil {
				return err
			}
			st = s.GetAuditEntriesForRecord(ctx, r, *skip, *limit)
		case *typeID > 0:
			st = s.GetAuditEntriesForRecordType(ctx, *typeID, *skip, *limit)
		case *userID > 0:
			st = s.GetAuditEntriesForUserAccount(ctx, *userID, *skip, *limit)
		case *username != "":
			st = s.GetAuditEntriesByUsername(ctx, *username, *skip, *limit)
		}
		entries, err := result[[]*model.AuditEntry](st)
		if err != nil {
			return err
		}
		return a.printJSON(auditRows(entries))
	})
}

// userRow is the printed form of an account, without the password hash.
type userRow struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	Active      bool      `json:"active"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func cmdUsers(ctx context.Context, a *app, args []string) error {
	fs := a.flags("users")
	skip, limit := paging(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		users, err := result[[]*model.UserAccount](s.GetUserAccounts(ctx, *skip, *limit))
		if err != nil {
			return err
		}
		rows := make([]userRow, 0, len(users))
		for _, u := range users {
			rows = append(rows, userRow{ID: u.ID, Username: u.Username, Active: u.Active, LastUpdated: u.LastUpdated})
		}
		return a.printJSON(rows)
	})
}

func cmdUserAdd(ctx context.Context, a *app, args []string) error {
	fs := a.flags("user-add")
	pass := fs.String("password", "", "password of the new account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 1, "user-add <username> --password pw"); err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		id, err := result[int](s.AddUserAccount(ctx, fs.Arg(0), *pass))
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, id)
		return nil
	})
}

func cmdUserPasswd(ctx context.Context, a *app, args []string) error {
	fs := a.flags("user-passwd")
	pass := fs.String("password", "", "new password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := needArgs(fs, 1, "user-passwd <id> --password pw"); err != nil {
		return err
	}
	id, err := atoi("id", fs.Arg(0))
	if err != nil {
		return err
	}
	return a.withService(ctx, func(s *service.Service) error {
		if _, err := result[bool](s.SetUserPassword(ctx, id, *pass)); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "ok")
		return nil
	})
}

func cmdRebuild(ctx context.Context, a *app, args []string) error {
	fs := a.flags("rebuild")
	newPass := fs.String("new-password", "", "protect the file with a new password")
	remove := fs.Bool("remove-password", false, "remove the password protection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var pw *string
	switch {
	case *remove && fs.Changed("new-password"):
		return fmt.Errorf("%w: --new-password and --remove-password are exclusive", errUsage)
	case *remove:
		empty := ""
		pw = &empty
	case fs.Changed("new-password"):
		pw = newPass
	}
	return a.withService(ctx, func(s *service.Service) error {
		var cfg config.Store
		if pw != nil {
			cfg = a.cfg
		}
		size, err := result[int64](s.RebuildDb(ctx, cfg, pw))
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "rebuilt %s, %d bytes\n", a.settings.FilePath, size)
		return nil
	})
}
