package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSimpleFormatter(t *testing.T) {
	at := time.Date(2025, 4, 6, 17, 30, 0, 0, time.UTC)
	tests := []struct {
		name      string
		component string
		level     logrus.Level
		data      logrus.Fields
		want      string
	}{
		{
			name:      "relay fields lead",
			component: "relay",
			level:     logrus.WarnLevel,
			data:      logrus.Fields{"session": "s1", "role": "operator", "conn_id": 7, "error": errors.New("broken pipe")},
			want:      "2025/04/06 17:30:00.000000 [WRN] relay: send failed conn_id=7 role=operator error=\"broken pipe\" session=s1\n",
		},
		{
			name:  "no component",
			level: logrus.DebugLevel,
			data:  logrus.Fields{"task_id": 3, "b": "", "a": "x=y"},
			want:  "2025/04/06 17:30:00.000000 [DBG] send failed task_id=3 a=\"x=y\" b=\"\"\n",
		},
		{
			name:      "no fields",
			component: "robot",
			level:     logrus.ErrorLevel,
			want:      "2025/04/06 17:30:00.000000 [ERR] robot: send failed\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &SimpleFormatter{Component: tt.component}
			out, err := f.Format(&logrus.Entry{Time: at, Level: tt.level, Message: "send failed", Data: tt.data})
			if err != nil {
				t.Fatal(err)
			}
			if string(out) != tt.want {
				t.Errorf("got  %q\nwant %q", out, tt.want)
			}
		})
	}
}

func TestNewWritesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := New("debug", dir, "relay")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v", l.GetLevel())
	}
	l.Info("hello file")

	data, err := os.ReadFile(filepath.Join(dir, "relay.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[INF] relay: hello file") {
		t.Errorf("log file content = %q", data)
	}
}

func TestNewUnknownLevel(t *testing.T) {
	l, err := New("chatty", "", "x")
	if err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info", l.GetLevel())
	}
}
