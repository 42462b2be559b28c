// Package template compiles and renders the user's log line format string.
// Compilation is the validation boundary: an unknown placeholder token is
// rejected here, at engine start, never at render time on the hot path.
package template

import (
	"fmt"
	"strconv"
	"strings"

	"logengine/pkg/errkind"
	"logengine/pkg/record"
)

// tokenKind identifies which LogRecord field a placeholder renders.
type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenTimestamp
	tokenLevel
	tokenTarget
	tokenMessage
	tokenFile
	tokenLine
	tokenThreadID
)

var tokenNames = map[string]tokenKind{
	"timestamp": tokenTimestamp,
	"level":     tokenLevel,
	"target":    tokenTarget,
	"message":   tokenMessage,
	"file":      tokenFile,
	"line":      tokenLine,
	"thread_id": tokenThreadID,
}

type segment struct {
	kind    tokenKind
	literal string // only for tokenLiteral
	width   int    // width modifier for "{level:>5}"; 0 means none
	rightAl bool   // ">" alignment
}

// Template is a compiled, read-only format string. Safe for concurrent
// use by every producer and worker once constructed.
type Template struct {
	segments []segment
}

// Compile parses a format string such as "[{level}] {message}". Returns a
// *errkind.Error (Kind=Config) on any unknown placeholder.
func Compile(format string) (*Template, error) {
	var segs []segment
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{kind: tokenLiteral, literal: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(format) {
		c := format[i]
		if c != '{' {
			lit.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(format[i:], '}')
		if end < 0 {
			return nil, errkind.ConfigError("template_compile", fmt.Sprintf("unterminated placeholder at offset %d", i))
		}
		end += i
		body := format[i+1 : end]
		i = end + 1

		name := body
		width := 0
		rightAl := false
		if colon := strings.IndexByte(body, ':'); colon >= 0 {
			name = body[:colon]
			mod := body[colon+1:]
			if strings.HasPrefix(mod, ">") {
				rightAl = true
				mod = mod[1:]
			}
			w, err := strconv.Atoi(mod)
			if err != nil || w <= 0 {
				return nil, errkind.ConfigError("template_compile", fmt.Sprintf("invalid width modifier %q", body))
			}
			width = w
		}

		kind, ok := tokenNames[name]
		if !ok {
			return nil, errkind.ConfigError("template_compile", fmt.Sprintf("unknown placeholder %q", name))
		}

		flush()
		segs = append(segs, segment{kind: kind, width: width, rightAl: rightAl})
	}
	flush()

	return &Template{segments: segs}, nil
}

// Render formats rec according to the compiled template. {file}/{line}
// absent on the record render as empty string, never a literal "None".
func (t *Template) Render(rec record.LogRecord) string {
	var b strings.Builder
	for _, s := range t.segments {
		var v string
		switch s.kind {
		case tokenLiteral:
			b.WriteString(s.literal)
			continue
		case tokenTimestamp:
			v = rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
		case tokenLevel:
			v = string(rec.Level)
		case tokenTarget:
			v = rec.Target
		case tokenMessage:
			v = rec.Message
		case tokenFile:
			v = rec.File
		case tokenLine:
			if rec.HasLine {
				v = strconv.FormatUint(uint64(rec.Line), 10)
			}
		case tokenThreadID:
			v = rec.ThreadID
		}
		b.WriteString(applyWidth(v, s.width, s.rightAl))
	}
	return b.String()
}

func applyWidth(v string, width int, rightAl bool) string {
	if width <= 0 || len(v) >= width {
		return v
	}
	pad := strings.Repeat(" ", width-len(v))
	if rightAl {
		return pad + v
	}
	return v + pad
}
