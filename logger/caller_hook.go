package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook reports the first frame outside logrus and this package, so
// entries point at the code that logged rather than at Entry.Warn.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(4, pcs)])
	for {
		frame, more := frames.Next()
		if !isWrapper(frame) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapper(f runtime.Frame) bool {
	if strings.Contains(f.Function, "github.com/sirupsen/logrus") {
		return true
	}
	return strings.HasPrefix(f.Function, "tradegate/logger.") && !strings.HasSuffix(f.File, "_test.go")
}
