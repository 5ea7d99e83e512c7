package dispatch

import (
	syslog "github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// SyslogHook is a logrus hook that forwards log entries to a syslog server.
type SyslogHook struct {
	writer *syslog.Writer
	levels []logrus.Level
}

var _ logrus.Hook = &SyslogHook{}

// SyslogOptions contains the settings for a syslog hook.
type SyslogOptions struct {
	// "udp", "tcp", "unix". Defaults to the local syslog server if empty.
	Network string

	// Remote address, defaults to local syslog server
	Address string

	// Syslog tag
	Tag string

	// Least severe level of entries that are forwarded. Defaults to info if nil.
	Level *logrus.Level
}

// NewSyslogHook connects to a syslog server and returns a hook that can be
// added to Log.
func NewSyslogHook(opt SyslogOptions) (*SyslogHook, error) {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.LOG_INFO|syslog.LOG_DAEMON, opt.Tag)
	if err != nil {
		return nil, err
	}
	return &SyslogHook{writer: writer, levels: syslogLevels(opt.Level)}, nil
}

// Returns the levels from panic down to least, or down to info if nil.
func syslogLevels(least *logrus.Level) []logrus.Level {
	limit := logrus.InfoLevel
	if least != nil {
		limit = *least
	}
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= limit {
			levels = append(levels, l)
		}
	}
	return levels
}

// Fire sends the entry to syslog with a severity matching its level.
func (h *SyslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.PanicLevel:
		return h.writer.Emerg(line)
	case logrus.FatalLevel:
		return h.writer.Crit(line)
	case logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.InfoLevel:
		return h.writer.Info(line)
	default:
		return h.writer.Debug(line)
	}
}

// Levels returns the levels the hook fires for.
func (h *SyslogHook) Levels() []logrus.Level {
	return h.levels
}

// Close the connection to the syslog server.
func (h *SyslogHook) Close() error {
	return h.writer.Close()
}
