package logx

import (
	"time"

	"github.com/rs/zerolog"
)

type fieldKind uint8

const (
	kindSkip fieldKind = iota
	kindString
	kindInt
	kindBool
	kindFloat
	kindDuration
	kindTime
	kindError
	kindAny
)

// Field is one key/value pair attached to a log line. Fields are encoded in
// order, so a repeated key resolves to the last value.
type Field struct {
	Key  string
	kind fieldKind
	str  string
	num  int64
	flt  float64
	val  any
}

func String(k, v string) Field { return Field{Key: k, kind: kindString, str: v} }

func Int(k string, v int) Field { return Field{Key: k, kind: kindInt, num: int64(v)} }

func Int64(k string, v int64) Field { return Field{Key: k, kind: kindInt, num: v} }

func Bool(k string, v bool) Field {
	f := Field{Key: k, kind: kindBool}
	if v {
		f.num = 1
	}
	return f
}

func Float64(k string, v float64) Field { return Field{Key: k, kind: kindFloat, flt: v} }

func Duration(k string, v time.Duration) Field {
	return Field{Key: k, kind: kindDuration, num: int64(v)}
}

func Time(k string, v time.Time) Field { return Field{Key: k, kind: kindTime, val: v} }

func Any(k string, v any) Field { return Field{Key: k, kind: kindAny, val: v} }

// Err attaches err under "err". A nil error adds nothing.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{Key: "err", kind: kindError, val: err}
}

func (f Field) encode(e *zerolog.Event) {
	switch f.kind {
	case kindString:
		e.Str(f.Key, f.str)
	case kindInt:
		e.Int64(f.Key, f.num)
	case kindBool:
		e.Bool(f.Key, f.num == 1)
	case kindFloat:
		e.Float64(f.Key, f.flt)
	case kindDuration:
		e.Dur(f.Key, time.Duration(f.num))
	case kindTime:
		e.Time(f.Key, f.val.(time.Time))
	case kindError:
		e.AnErr(f.Key, f.val.(error))
	case kindAny:
		e.Interface(f.Key, f.val)
	}
}
