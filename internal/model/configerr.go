package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a config file, e.g.
// {Path: "worker.executor", Code: "invalid_enum"}.
type CueErrorDetail struct {
	Path    string
	Code    string
	Message string
	Pos     CueErrorPosition
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

// issueKinds are matched in order against the CUE message.
var issueKinds = []struct {
	code   string
	re     *regexp.Regexp
	format string
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed|unknown field`), "%s is not a known setting"},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value`), "%s must be set"},
	{"invalid_value", regexp.MustCompile(`(?i)invalid value|out of bound|does not match`), "%s has an invalid value"},
	{"conflicting_values", regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "%s has a value of the wrong type"},
}

// CueErrDetails turns an error returned by LoadConfig into a list of
// human readable details, one per file position. Errors not coming from
// CUE yield nil.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	var out []CueErrorDetail
	seen := make(map[CueErrorPosition]struct{})
	for _, e := range cueerrors.Errors(err) {
		pos, ok := filePosition(e)
		if !ok {
			continue
		}
		if _, dup := seen[pos]; dup {
			continue
		}
		seen[pos] = struct{}{}

		path := configPath(e.Path())
		format, args := e.Msg()
		code, msg := classify(fmt.Sprintf(format, args...), path)
		v := schema.LookupPath(cue.ParsePath(path))
		if values := enumValues(v); len(values) > 1 && code != "unknown_field" {
			code = "invalid_enum"
			msg = fmt.Sprintf("%s must be one of (%s)", path, strings.Join(values, ","))
		} else if isDuration(v) && code != "unknown_field" {
			msg += ": expected a duration like 2s, 1m30s or 1h"
		}
		if dflt := defaultOf(v); dflt != "" {
			msg += " (default " + dflt + ")"
		}
		out = append(out, CueErrorDetail{Path: path, Code: code, Message: msg, Pos: pos})
	}
	return out
}

func classify(raw, path string) (code, msg string) {
	if path == "" {
		return "validation_error", raw
	}
	for _, k := range issueKinds {
		if k.re.MatchString(raw) {
			return k.code, fmt.Sprintf(k.format, path)
		}
	}
	return "validation_error", fmt.Sprintf("%s: %s", path, raw)
}

// defaultOf prints the scalar default #Config declares for a field.
func defaultOf(v cue.Value) string {
	if !v.Exists() {
		return ""
	}
	d, ok := v.Default()
	if !ok || !d.IsConcrete() || d.Kind() == cue.StructKind || d.Kind() == cue.ListKind {
		return ""
	}
	return fmt.Sprint(d)
}

func enumValues(v cue.Value) []string {
	if !v.Exists() {
		return nil
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var values []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values
}

// isDuration recognizes fields declared as #Duration.
func isDuration(v cue.Value) bool {
	if !v.Exists() || v.IncompleteKind() != cue.StringKind {
		return false
	}
	ctx := v.Context()
	return v.Unify(ctx.CompileString(`"1m30s"`)).Validate() == nil &&
		v.Unify(ctx.CompileString(`"90 seconds"`)).Validate() != nil
}

func filePosition(err cueerrors.Error) (CueErrorPosition, bool) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() == "" {
			continue
		}
		return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}, true
	}
	return CueErrorPosition{}, false
}

// configPath drops the #Config definition from a CUE error path.
func configPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
