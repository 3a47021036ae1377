package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// crashLogDir is where crash reports are written; set by InstallCrashHandler
var crashLogDir = "./logs"

// InstallCrashHandler sets the crash report directory next to the log files
// of the given database path. Call before anything that can panic.
func InstallCrashHandler(badgerPath string) string {
	crashLogDir = filepath.Join(filepath.Dir(badgerPath), "logs")
	if err := os.MkdirAll(crashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
	return crashLogDir
}

// WriteCrashReport writes a plain-text report of a fatal panic.
// Drafts are durable, so the report points at the store holding them.
func WriteCrashReport(w io.Writer, panicVal interface{}, stackTrace, badgerPath string) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	_, err := fmt.Fprintf(w, `=== GMP LABWORK CRASH REPORT ===
Time: %s
Version: %s
Draft store: %s (pending drafts are preserved and sync on next start)

=== PANIC ===
%v

=== STACK ===
%s

=== GOROUTINES (%d) ===
%s

=== RUNTIME ===
GOOS/GOARCH: %s/%s
Alloc: %d MB
NumGC: %d
`,
		time.Now().Format(time.RFC3339),
		GetFullVersion(),
		badgerPath,
		panicVal,
		stackTrace,
		runtime.NumGoroutine(),
		allGoroutineStacks(),
		runtime.GOOS, runtime.GOARCH,
		memStats.Alloc/1024/1024,
		memStats.NumGC,
	)
	return err
}

// WriteCrashFile writes the report to crash-<timestamp>.log and returns its path.
// Falls back to stderr when the file cannot be written.
func WriteCrashFile(panicVal interface{}, stackTrace, badgerPath string) string {
	crashPath := filepath.Join(crashLogDir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	file, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create crash file: %v\n", err)
		WriteCrashReport(os.Stderr, panicVal, stackTrace, badgerPath)
		return ""
	}
	defer file.Close()

	if err := WriteCrashReport(file, panicVal, stackTrace, badgerPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n", err)
	}
	file.Sync()

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\nPanic: %v\n", crashPath, panicVal)
	return crashPath
}

func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 16*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}

// RecoverWithCrashFile is a deferred panic handler that writes a crash file and exits.
// Usage: defer common.RecoverWithCrashFile(config.Storage.Badger.Path)
func RecoverWithCrashFile(badgerPath string) {
	if r := recover(); r != nil {
		buf := make([]byte, 8192)
		n := runtime.Stack(buf, false)
		WriteCrashFile(r, string(buf[:n]), badgerPath)
		os.Exit(1)
	}
}
