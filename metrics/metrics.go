// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgegw_connections_active",
		Help: "The current number of active edge WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgegw_connections_total",
		Help: "The total number of edge WebSocket connections accepted.",
	})
	OnlineEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgegw_edges_online",
		Help: "The current number of edges with at least one connection.",
	})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegw_frames_received_total",
		Help: "The total number of frames received from edges, by kind.",
	}, []string{"kind"})
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgegw_frames_sent_total",
		Help: "The total number of frames written to edges.",
	})
	PendingReplies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgegw_pending_replies",
		Help: "Requests sent to edges that are still waiting for a reply.",
	})

	// Subscription Metrics
	SubscriptionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegw_subscription_upstream_requests_total",
		Help: "Subscribe/unsubscribe requests forwarded to edges.",
	}, []string{"direction"})
	ObserverPrunes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgegw_observer_prunes_total",
		Help: "Observers dropped after a failed stream delivery.",
	})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type", "kind"})
	BrokerMessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_consumed_total",
		Help: "The total number of messages received from the message broker.",
	}, []string{"broker_type", "kind"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful edge handshakes.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed edge handshakes.",
	}, []string{"reason"})
)

// StartServer serves the Prometheus handler on its own port. The returned
// server is shut down by the caller.
func StartServer(port int, path string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	log.Info("Starting metrics server", zap.String("addr", srv.Addr), zap.String("path", path))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
