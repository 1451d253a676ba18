package shieldlink

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used by every package. The default is a
// logrus logger writing to stderr; packages log through PkgLogger children.
type Logger interface {
	Info(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Warn(...interface{})

	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})

	ChildLogger(tags map[string]interface{}) Logger
}

var logger Logger
var loggerMu sync.Mutex

// SetLogLevelMax logs everything, including frame traffic.
func SetLogLevelMax() {
	if lg := base(); lg != nil {
		lg.SetLevel(logrus.TraceLevel)
	}
}

// SetLogLevel sets the level of the default logger by name ("debug", "info", ...).
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	if lg := base(); lg != nil {
		lg.SetLevel(lvl)
	}
	return nil
}

// SetLogFormat switches the default logger between "text" and "json" output.
// JSON lines carry a timestamp for collection by journald or a log shipper.
func SetLogFormat(format string) error {
	var f logrus.Formatter
	switch strings.ToLower(format) {
	case "", "text":
		f = &logrus.TextFormatter{DisableTimestamp: true}
	case "json":
		f = &logrus.JSONFormatter{}
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	if lg := base(); lg != nil {
		lg.SetFormatter(f)
	}
	return nil
}

// base returns the logrus logger behind the default Logger, or nil when a
// custom Logger was installed with SetLogger.
func base() *logrus.Logger {
	l := GetLogger()
	if lg, ok := l.(*defaultLogger); ok {
		return lg.Entry.Logger
	}
	l.Error("non-default logger, don't know how to configure it")
	return nil
}

func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = buildDefaultLogger()
	}

	return logger
}

// PkgLogger returns a child of the current logger tagged with the package name.
func PkgLogger(pkg string) Logger {
	return GetLogger().ChildLogger(map[string]interface{}{"pkg": pkg})
}

type defaultLogger struct {
	*logrus.Entry
}

func buildDefaultLogger() Logger {
	l := &logrus.Logger{
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Level:     logrus.InfoLevel,
		Out:       os.Stderr,
		Hooks:     make(logrus.LevelHooks),
	}

	return &defaultLogger{Entry: l.WithFields(map[string]interface{}{})}
}

func (d *defaultLogger) ChildLogger(ff map[string]interface{}) Logger {
	nl := &defaultLogger{d.Entry.WithFields(ff)}
	return nl
}
