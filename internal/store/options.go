package store

import (
	"errors"
	"fmt"
	"strings"
)

// Options is the parsed form of a connection string.
type Options struct {
	Filename string
	Password string
	// Shared permits other processes to open the same file concurrently.
	Shared bool
}

// ErrConnectionString is returned for malformed connection strings.
var ErrConnectionString = errors.New("store: invalid connection string")

// ParseConnectionString parses "Filename=<path>;Password='<pass>';Connection=shared".
// Keys are case-insensitive, values may be single or double quoted with the
// quote doubled inside the value, and Connection accepts "shared" or "direct".
func ParseConnectionString(s string) (Options, error) {
	var o Options
	for _, part := range splitClauses(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Options{}, fmt.Errorf("%w: clause %q has no value", ErrConnectionString, part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = unquote(strings.TrimSpace(val))
		switch key {
		case "filename":
			o.Filename = val
		case "password":
			o.Password = val
		case "connection":
			switch strings.ToLower(val) {
			case "shared":
				o.Shared = true
			case "direct", "exclusive":
				o.Shared = false
			default:
				return Options{}, fmt.Errorf("%w: unknown connection mode %q", ErrConnectionString, val)
			}
		default:
			return Options{}, fmt.Errorf("%w: unknown key %q", ErrConnectionString, key)
		}
	}
	if o.Filename == "" {
		return Options{}, fmt.Errorf("%w: Filename is required", ErrConnectionString)
	}
	if strings.ContainsRune(o.Filename, '?') {
		return Options{}, fmt.Errorf("%w: Filename must not contain '?'", ErrConnectionString)
	}
	return o, nil
}

// String renders o back into connection string form.
func (o Options) String() string {
	var b strings.Builder
	b.WriteString("Filename=")
	b.WriteString(quoteIfNeeded(o.Filename))
	if o.Password != "" {
		b.WriteString(";Password=")
		b.WriteString(QuoteValue(o.Password))
	}
	if o.Shared {
		b.WriteString(";Connection=shared")
	} else {
		b.WriteString(";Connection=direct")
	}
	return b.String()
}

// QuoteValue single-quotes v for a connection string. A quote inside the
// value is written twice.
func QuoteValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func quoteIfNeeded(v string) string {
	if !strings.ContainsAny(v, `;'"`) && v == strings.TrimSpace(v) {
		return v
	}
	return QuoteValue(v)
}

// splitClauses splits on ';' outside of quotes so passwords may contain ';'.
// Inside a quoted value a doubled quote stands for one literal quote.
func splitClauses(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				if i+1 < len(rs) && rs[i+1] == quote {
					cur.WriteRune(r)
					i++
				} else {
					quote = 0
				}
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ';':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, cur.String())
}

func unquote(v string) string {
	if len(v) >= 2 {
		if q := v[0]; (q == '\'' || q == '"') && v[len(v)-1] == q {
			return strings.ReplaceAll(v[1:len(v)-1], string([]byte{q, q}), string(q))
		}
	}
	return v
}
