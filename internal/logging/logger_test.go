package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("test", &buf, WARN)

	l.Info("не должно попасть")
	l.Warn("кадр %d", 7)
	l.Error("ошибка")

	out := buf.String()
	if strings.Contains(out, "не должно попасть") {
		t.Errorf("INFO просочился при минимальном уровне WARN: %q", out)
	}
	if !strings.Contains(out, "[WARN] [test] кадр 7") {
		t.Errorf("нет WARN строки: %q", out)
	}
	if !strings.Contains(out, "[ERROR] [test] ошибка") {
		t.Errorf("нет ERROR строки: %q", out)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("ничего не происходит")
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	SetLogDir(dir)
	defer SetLogDir("")

	l, err := NewLogger("movie")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Debug("только в файл")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "movie_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("ожидался один файл логов, найдено %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "только в файл") {
		t.Errorf("DEBUG строка не записана в файл: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{"trace": TRACE, "DEBUG": DEBUG, "warn": WARN, "error": ERROR, "": INFO, "bogus": INFO}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, ожидалось %v", in, got, want)
		}
	}
}

func TestManagerReturnsSameLogger(t *testing.T) {
	lm := GetLoggerManager()
	a := lm.MustGetLogger("threads")
	b := lm.MustGetLogger("threads")
	if a != b {
		t.Error("менеджер создал два логгера для одного компонента")
	}
	if err := lm.SetLogLevel("threads", DEBUG, DEBUG); err != nil {
		t.Errorf("SetLogLevel: %v", err)
	}
	if err := lm.SetLogLevel("nope", DEBUG, DEBUG); err == nil {
		t.Error("ожидалась ошибка для неизвестного компонента")
	}
}
