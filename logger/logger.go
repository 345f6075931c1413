// Package logger builds the logrus loggers used by the relay server and the robot agent.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultTimestampFormat = "2006/01/02 15:04:05.000000"

// New - logger writing to stdout and, when dir is set, to dir/name.log as well.
// An unknown level falls back to info.
func New(level, dir, name string) (*logrus.Logger, error) {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&SimpleFormatter{TimestampFormat: defaultTimestampFormat, Component: name})

	if dir == "" {
		l.SetOutput(os.Stdout)
		return l, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory '%s': %w", dir, err)
	}
	path := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", path, err)
	}
	l.SetOutput(io.MultiWriter(os.Stdout, f))
	return l, nil
}

// leadingFields are printed first, in this order, so relay lines line up
// by connection.
var leadingFields = []string{"conn_id", "role", "task_id"}

var levelTags = map[logrus.Level]string{
	logrus.TraceLevel: "TRC",
	logrus.DebugLevel: "DBG",
	logrus.InfoLevel:  "INF",
	logrus.WarnLevel:  "WRN",
	logrus.ErrorLevel: "ERR",
	logrus.FatalLevel: "FTL",
	logrus.PanicLevel: "PNC",
}

// SimpleFormatter - one line per entry:
// 2025/04/06 17:30:00.000000 [WRN] relay: send failed conn_id=7 role=operator error="broken pipe"
type SimpleFormatter struct {
	TimestampFormat string
	// Component tags every line, e.g. relay or robot. Empty omits the tag.
	Component string
}

// Format implements logrus.Formatter
func (f *SimpleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = defaultTimestampFormat
	}
	b.WriteString(entry.Time.Format(tsFormat))

	tag, ok := levelTags[entry.Level]
	if !ok {
		tag = strings.ToUpper(entry.Level.String())
	}
	fmt.Fprintf(b, " [%s] ", tag)
	if f.Component != "" {
		b.WriteString(f.Component)
		b.WriteString(": ")
	}
	b.WriteString(entry.Message)

	for _, k := range fieldOrder(entry.Data) {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fieldValue(entry.Data[k]))
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func fieldOrder(data logrus.Fields) []string {
	keys := make([]string, 0, len(data))
	for _, k := range leadingFields {
		if _, ok := data[k]; ok {
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(data))
	for k := range data {
		if !isLeading(k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func isLeading(k string) bool {
	for _, l := range leadingFields {
		if l == k {
			return true
		}
	}
	return false
}

// fieldValue quotes values that would break key=value parsing.
func fieldValue(v interface{}) string {
	var s string
	if err, ok := v.(error); ok {
		s = err.Error()
	} else {
		s = fmt.Sprint(v)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
