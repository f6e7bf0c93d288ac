package audit

import (
	"fmt"
	"strings"
	"time"

	"cognitive_lattice/src/lattice"
	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/model"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Sink receives nodes as they are committed
type Sink interface {
	Emit(sessionID string, node model.Node) error
}

// Observer fans committed nodes out to the sinks. Sink failures are logged
// and never reach the lattice.
func Observer(sinks ...Sink) lattice.Observer {
	return func(sessionID string, node model.Node) {
		for _, s := range sinks {
			if err := s.Emit(sessionID, node); err != nil {
				logger.Warn().Err(err).Str("session_id", sessionID).Uint64("node_id", node.ID).Msg("Audit sink failed")
			}
		}
	}
}

// ====================== Log Sink ======================

// LogSink writes one structured log line per node
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(sessionID string, node model.Node) error {
	ev := s.log.Info().
		Str("session_id", sessionID).
		Uint64("node_id", node.ID).
		Str("kind", string(node.Kind))

	p := node.Payload
	switch {
	case p.Route != nil:
		ev = ev.Str("intent", p.Route.Intent).Str("action", p.Route.Action).Str("mode", p.Route.Mode)
	case p.Outcome != nil:
		ev = ev.Int("step_index", p.Outcome.StepIndex).Str("status", string(p.Outcome.Status)).Bool("correction", p.Outcome.Correction)
	case p.Task != nil:
		ev = ev.Str("task_id", p.Task.ID).Str("task_status", string(p.Task.Status)).Int("cursor", p.Task.Cursor)
	}
	ev.Msg("Lattice node")
	return nil
}

// ====================== NATS Sink ======================

// Publisher is the part of *nats.Conn the sink needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each node as JSON on <prefix>.<session_id>.<kind>
type NATSSink struct {
	pub    Publisher
	prefix string
}

func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "lattice.audit"
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

func (s *NATSSink) Subject(sessionID string, kind model.NodeKind) string {
	return s.prefix + "." + sessionID + "." + string(kind)
}

func (s *NATSSink) Emit(sessionID string, node model.Node) error {
	data, err := sonic.ConfigStd.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode node %d: %w", node.ID, err)
	}
	if err := s.pub.Publish(s.Subject(sessionID, node.Kind), data); err != nil {
		return fmt.Errorf("failed to publish node %d: %w", node.ID, err)
	}
	return nil
}

// ConnectNATS dials the audit bus with reconnects enabled
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("cognitive-lattice-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Audit bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Audit bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
