package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Log writes a single JSON line at the given level. kv is read as key/value pairs.
func Log(level, msg string, kv ...any) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   msg,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, isErr := kv[i+1].(error); isErr && err != nil {
			entry[key] = err.Error()
			continue
		}
		entry[key] = kv[i+1]
	}
	LogRequest(entry)
}

// Info logs at info level.
func Info(msg string, kv ...any) { Log("info", msg, kv...) }

// Warn logs at warn level.
func Warn(msg string, kv ...any) { Log("warn", msg, kv...) }

// Error logs at error level.
func Error(msg string, kv ...any) { Log("error", msg, kv...) }
