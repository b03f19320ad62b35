// Package events publishes crawl job progress to NATS so dashboards and
// downstream consumers can follow running crawls without polling.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/preisradar/preisradar/internal/config"
	"github.com/preisradar/preisradar/internal/tracker"
	"github.com/preisradar/preisradar/pkg/logger"
)

// SubjectPrefix is the root of the job event subject space. Full subjects are
// crawl.jobs.<source-slug>, so consumers can subscribe per source or to
// crawl.jobs.> for everything.
const SubjectPrefix = "crawl.jobs"

// Publisher forwards tracker job snapshots onto NATS. It implements
// tracker.Notifier. Publishes are fire-and-forget; a broken broker never
// stalls a crawl.
type Publisher struct {
	conn *nats.Conn
	log  *logger.Logger
}

// Connect establishes the NATS connection with infinite reconnects.
func Connect(cfg config.NATSConfig, log *logger.Logger) (*Publisher, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("events")

	name := cfg.Name
	if name == "" {
		name = "preisradar"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("reconnected to NATS", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("connected to NATS", "url", conn.ConnectedUrl())
	return &Publisher{conn: conn, log: log}, nil
}

// JobUpdated implements tracker.Notifier.
func (p *Publisher) JobUpdated(job tracker.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		p.log.WithError(err).Error("failed to marshal job event")
		return
	}

	subject := Subject(job.Source)
	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.WithError(err).Warn("failed to publish job event",
			"subject", subject, "job_id", job.ID)
	}
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.WithError(err).Warn("failed to drain NATS connection")
		p.conn.Close()
	}
}

// Subject maps a source name onto its event subject. Source names carry
// spaces and umlauts; the slug keeps the subject token-safe.
func Subject(source string) string {
	return SubjectPrefix + "." + slug(source)
}

func slug(source string) string {
	replacer := strings.NewReplacer(
		" ", "-", ".", "-",
		"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
	)
	s := replacer.Replace(strings.ToLower(strings.TrimSpace(source)))
	if s == "" {
		return "unknown"
	}
	return s
}
