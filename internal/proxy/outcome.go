package proxy

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Mode is the kind of traffic a session carried.
type Mode string

const (
	// ModeTunnel is a CONNECT tunnel.
	ModeTunnel Mode = "tunnel"
	// ModeForward is a forwarded HTTP request.
	ModeForward Mode = "forward"
	// ModeSOCKS5 is a SOCKS5 CONNECT.
	ModeSOCKS5 Mode = "socks5"
	// ModeUnknown is used when the session ended before a request was classified.
	ModeUnknown Mode = "unknown"
)

// Outcome is the record emitted once per request (forward) or tunnel.
type Outcome struct {
	Time       time.Time
	SessionID  string
	Proxy      string
	ClientAddr string
	Mode       Mode
	Method     string
	Target     string
	Identity   string
	Allowed    bool
	Rule       string
	Status     int
	BytesUp    int64
	BytesDown  int64
	Duration   time.Duration
	Err        error
}

// OutcomeSink receives session outcome records. Implementations must be safe
// for concurrent use.
type OutcomeSink interface {
	Record(o Outcome)
}

// MultiSink fans a record out to several sinks.
type MultiSink []OutcomeSink

// Record implements OutcomeSink.
func (m MultiSink) Record(o Outcome) {
	for _, s := range m {
		s.Record(o)
	}
}

// LogSink writes outcome records to the global zerolog logger.
type LogSink struct{}

// Record implements OutcomeSink.
func (LogSink) Record(o Outcome) {
	ev := log.Info()
	if o.Err != nil && o.Status == 0 {
		ev = log.Warn()
	}
	ev = ev.Time("time", o.Time).
		Str("proxy_name", o.Proxy).Str("session_id", o.SessionID).Str("client_ip", o.ClientAddr).
		Str("mode", string(o.Mode)).Str("destination", o.Target).
		Str("policy_action", decisionString(o)).Str("rule_name", o.Rule).
		Int("status", o.Status).Int64("bytes_up", o.BytesUp).Int64("bytes_down", o.BytesDown).
		Dur("duration", o.Duration)
	if o.Method != "" {
		ev = ev.Str("method", o.Method)
	}
	if o.Identity != "" {
		ev = ev.Str("username", o.Identity)
	}
	if o.Err != nil {
		ev = ev.Err(o.Err)
	}
	ev.Msg("Session outcome")
}

func decisionString(o Outcome) string {
	if o.Allowed {
		return "allow"
	}
	if o.Rule == "" {
		return "none"
	}
	return "deny"
}
