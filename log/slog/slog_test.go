package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/threadcache"
)

func TestLogger_GroupedSortedAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := New(stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelDebug})))

	l.Info("fetched", threadcache.Fields{"sig": "posts:0", "page": 2})

	out := buf.String()
	if !strings.Contains(out, "threadcache.page=2 threadcache.sig=posts:0") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestLogger_LevelFiltered(t *testing.T) {
	var buf bytes.Buffer
	l := New(stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelWarn})))

	l.Debug("noise", threadcache.Fields{"k": 1})
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered: %s", buf.String())
	}
}
