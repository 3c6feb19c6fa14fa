package log_helper

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const modulePrefix = "github.com/breadbackup/bread-backup/"

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// CustomStackMarshaler renders a pkg/errors stack the way a Go panic prints it.
func CustomStackMarshaler(err error) interface{} {
	tracer, ok := err.(stackTracer)
	if !ok {
		return nil
	}
	st := tracer.StackTrace()
	if len(st) == 0 {
		return nil
	}
	lines := make([]string, 0, len(st)*2)
	for _, frame := range st {
		// %+v gives "function\n\tfile:line"
		parts := strings.Split(fmt.Sprintf("%+v", frame), "\n\t")
		if len(parts) == 2 {
			lines = append(lines, parts[0]+"()", "\t"+parts[1])
		}
	}
	return "\n" + strings.Join(lines, "\n") + "\n\n"
}

var levelAbbreviations = map[string]string{
	"trace": "TRC",
	"debug": "DBG",
	"info":  "INF",
	"warn":  "WRN",
	"error": "ERR",
	"fatal": "FTL",
	"panic": "PNC",
}

var systemFields = map[string]bool{
	"time": true, "level": true, "caller": true, "message": true, "error": true, "stack": true,
}

// CustomWriter turns zerolog JSON events into single human-readable lines:
// `time LVL caller > message, key=value, error=...`.
type CustomWriter struct {
	out io.Writer
	buf bytes.Buffer
}

func NewCustomWriter(out io.Writer) *CustomWriter {
	return &CustomWriter{out: out}
}

func (w *CustomWriter) Write(p []byte) (n int, err error) {
	w.buf.Reset()
	if ts, err := jsonparser.GetString(p, "time"); err == nil {
		w.buf.WriteString(ts)
		w.buf.WriteByte(' ')
	}
	if level, err := jsonparser.GetString(p, "level"); err == nil {
		if abbr, ok := levelAbbreviations[level]; ok {
			w.buf.WriteString(abbr)
		} else {
			w.buf.WriteString(strings.ToUpper(level))
		}
		w.buf.WriteByte(' ')
	}
	if caller, err := jsonparser.GetString(p, "caller"); err == nil {
		w.buf.WriteString(caller)
		w.buf.WriteString(" > ")
	}
	if msg, err := jsonparser.GetString(p, "message"); err == nil {
		w.buf.WriteString(msg)
	}
	_ = jsonparser.ObjectEach(p, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
		if systemFields[string(key)] {
			return nil
		}
		w.buf.WriteString(", ")
		w.buf.Write(key)
		w.buf.WriteByte('=')
		// jsonparser hands string values over without their quotes
		w.buf.Write(value)
		return nil
	})
	if errVal, err := jsonparser.GetString(p, "error"); err == nil {
		w.buf.WriteString(", error=")
		w.buf.WriteString(errVal)
	}
	if stack, err := jsonparser.GetString(p, "stack"); err == nil {
		w.buf.WriteString("\nstack:")
		w.buf.WriteString(stack)
	}
	w.buf.WriteByte('\n')
	if _, err := w.out.Write(w.buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetupLogger returns a logger writing human-readable lines with caller paths relative to
// the module root.
func SetupLogger(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = "2006-01-02 15:04:05.000"
	zerolog.ErrorStackMarshaler = CustomStackMarshaler
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		if idx := strings.Index(file, modulePrefix); idx >= 0 {
			file = file[idx+len(modulePrefix):]
		}
		return file + ":" + strconv.Itoa(line)
	}
	return zerolog.New(zerolog.SyncWriter(NewCustomWriter(out))).With().Timestamp().Caller().Logger()
}
