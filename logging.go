package softbridge

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog   *logrus.Entry
	bridgeLog *logrus.Entry
	parkLog   *logrus.Entry
	dialLog   *logrus.Entry
	logFile   *lumberjack.Logger
)

// dtmfMessages controls whether per-digit DTMF lines are logged.
var dtmfMessages = true

func init() {
	// Sensible defaults until the host calls InitLogging.
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	coreLog = l.WithField("name", "core")
	bridgeLog = l.WithField("name", "bridge")
	parkLog = l.WithField("name", "park")
	dialLog = l.WithField("name", "dial")
}

// InitLogging configures per-subsystem loggers from the [logging] section.
func InitLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("softbridge.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 1,
	}

	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, logFile)
	bridgeLog = newLogger("bridge", toLogrusLevel(sec.Key("bridge").MustInt(2)), consoleMin, fileMin, logFile)
	parkLog = newLogger("park", toLogrusLevel(sec.Key("park").MustInt(2)), consoleMin, fileMin, logFile)
	dialLog = newLogger("dial", toLogrusLevel(sec.Key("dial").MustInt(2)), consoleMin, fileMin, logFile)

	dtmfMessages = sec.Key("dtmf_messages").MustBool(true)
	if !dtmfMessages {
		// filter out per-digit DTMF lines
		bridgeLog.Logger.AddHook(&dtmfFilterHook{})
	}
	return nil
}

// CloseLogging flushes and closes the log file.
func CloseLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin)})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin)})
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// dtmfFilterHook suppresses per-digit DTMF log lines when disabled via
// configuration.
type dtmfFilterHook struct{}

func (h *dtmfFilterHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *dtmfFilterHook) Fire(e *logrus.Entry) error {
	if strings.HasPrefix(e.Message, "DTMF digit") {
		// elevate level so writer hooks ignore the entry
		e.Level = logrus.PanicLevel + 1
	}
	return nil
}
