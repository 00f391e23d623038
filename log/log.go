package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: MURMUR_LOG_PATH environment variable
	envPath := os.Getenv("MURMUR_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptPath := filepath.Join(dir, "transcript_log.txt")
	transcriptFile, err = os.OpenFile(transcriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// SegmentEmitted records one finished capture segment.
func SegmentEmitted(seq uint32, sizeBytes int, durMs, encodeMs float64, format string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Uint32("seq", seq).
		Int("bytes", sizeBytes).
		Float64("dur_ms", durMs).
		Float64("encode_ms", encodeMs).
		Str("format", format).
		Msg("segment")
}

// Reconnect records one reconnect attempt on the streaming uplink.
func Reconnect(session string, attempt, maxAttempts int, delay time.Duration) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Str("session", session).
		Int("attempt", attempt).
		Int("max_attempts", maxAttempts).
		Dur("delay", delay).
		Msg("reconnect")
}

// UplinkStats records transport counters at session close.
func UplinkStats(session string, sent, acked, resent int, sentBytes uint64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", session).
		Int("sent", sent).
		Int("acked", acked).
		Int("resent", resent).
		Uint64("sent_bytes", sentBytes).
		Msg("uplink_stats")
}

// RetryOutcome records one recovery pass over failed resumable uploads.
func RetryOutcome(session string, uploaded, remaining int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", session).
		Int("uploaded", uploaded).
		Int("remaining", remaining).
		Msg("retry_outcome")
}

// TranscriptText appends a received transcript line to the transcript log.
func TranscriptText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcriptFile.WriteString(line)
}

func SessionStart(session, transport, format string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", session).
		Str("transport", transport).
		Str("format", format).
		Msg("session_start")
}

func SessionEnd(session string, segments int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", session).
		Int("segments", segments).
		Msg("session_end")
}
