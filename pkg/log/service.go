package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	config "github.com/mwantia/tantalus/internal/config/server"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerService interface {
	Debug(msg string, args ...any)

	Info(msg string, args ...any)

	Warn(msg string, args ...any)

	Error(msg string, args ...any)

	Fatal(msg string, args ...any)

	// Named returns a logger whose service name is nested below this one.
	Named(name string) LoggerService

	// With returns a logger that appends key=value to every entry.
	With(key string, value any) LoggerService
}

type field struct {
	key   string
	value any
}

type LoggerServiceImpl struct {
	cfg    config.LogServerConfig
	name   string
	level  LogLevel
	fields []field
	color  bool

	writer io.Writer
	mutex  *sync.Mutex
}

type jsonEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Service   string         `json:"service,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func NewLoggerService(name string, cfg config.LogServerConfig) LoggerService {
	return newLogger(name, cfg, buildWriter(cfg), !cfg.NoTerminal && !cfg.NoColor)
}

// NewLoggerServiceWithWriter creates a logger that writes only to w,
// ignoring the terminal and file settings of cfg.
func NewLoggerServiceWithWriter(name string, cfg config.LogServerConfig, w io.Writer) LoggerService {
	return newLogger(name, cfg, w, false)
}

func newLogger(name string, cfg config.LogServerConfig, w io.Writer, color bool) *LoggerServiceImpl {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	return &LoggerServiceImpl{
		cfg:    cfg,
		name:   name,
		level:  Parse(cfg.Level),
		color:  color,
		writer: w,
		mutex:  &sync.Mutex{},
	}
}

// buildWriter combines stdout and the rotated log file as configured.
// Stdout is used when both are disabled.
func buildWriter(cfg config.LogServerConfig) io.Writer {
	var writers []io.Writer

	if !cfg.NoTerminal {
		writers = append(writers, os.Stdout)
	}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
			Compress:   cfg.Rotation.Compress,
		})
	}

	switch len(writers) {
	case 0:
		return os.Stdout
	case 1:
		return writers[0]
	default:
		return io.MultiWriter(writers...)
	}
}

func (impl *LoggerServiceImpl) render(level LogLevel, msg string) []byte {
	timestamp := time.Now().Format(impl.cfg.TimeFormat)

	if impl.cfg.JSON {
		entry := jsonEntry{
			Timestamp: timestamp,
			Level:     level.String(),
			Service:   impl.name,
			Message:   msg,
		}
		if len(impl.fields) > 0 {
			entry.Fields = make(map[string]any, len(impl.fields))
			for _, f := range impl.fields {
				entry.Fields[f.key] = f.value
			}
		}
		data, err := json.Marshal(entry)
		if err != nil {
			data = fmt.Appendf(nil, `{"level":%q,"message":%q}`, level.String(), msg)
		}
		return append(data, '\n')
	}

	var sb strings.Builder
	if impl.color {
		sb.WriteString(Color(level))
	}
	fmt.Fprintf(&sb, "[%s] %-5s", timestamp, level)
	if impl.name != "" {
		fmt.Fprintf(&sb, " [%s]", impl.name)
	}
	sb.WriteByte(' ')
	sb.WriteString(msg)
	for _, f := range impl.fields {
		fmt.Fprintf(&sb, " %s=%v", f.key, f.value)
	}
	if impl.color {
		sb.WriteString("\033[0m")
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}

func (impl *LoggerServiceImpl) log(level LogLevel, msg string, args ...any) {
	if level < impl.level {
		return
	}

	line := impl.render(level, fmt.Sprintf(msg, args...))

	impl.mutex.Lock()
	_, _ = impl.writer.Write(line)
	impl.mutex.Unlock()

	if level == Fatal {
		os.Exit(1)
	}
}

func (impl *LoggerServiceImpl) Debug(msg string, args ...any) {
	impl.log(Debug, msg, args...)
}

func (impl *LoggerServiceImpl) Info(msg string, args ...any) {
	impl.log(Info, msg, args...)
}

func (impl *LoggerServiceImpl) Warn(msg string, args ...any) {
	impl.log(Warn, msg, args...)
}

func (impl *LoggerServiceImpl) Error(msg string, args ...any) {
	impl.log(Error, msg, args...)
}

func (impl *LoggerServiceImpl) Fatal(msg string, args ...any) {
	impl.log(Fatal, msg, args...)
}

func (impl *LoggerServiceImpl) Named(name string) LoggerService {
	child := impl.clone()
	if impl.name != "" {
		child.name = impl.name + "/" + name
	} else {
		child.name = name
	}
	return child
}

func (impl *LoggerServiceImpl) With(key string, value any) LoggerService {
	child := impl.clone()
	child.fields = append(child.fields, field{key: key, value: value})
	return child
}

// clone shares writer and mutex with the parent.
func (impl *LoggerServiceImpl) clone() *LoggerServiceImpl {
	fields := make([]field, len(impl.fields), len(impl.fields)+1)
	copy(fields, impl.fields)

	return &LoggerServiceImpl{
		cfg:    impl.cfg,
		name:   impl.name,
		level:  impl.level,
		fields: fields,
		color:  impl.color,
		writer: impl.writer,
		mutex:  impl.mutex,
	}
}
