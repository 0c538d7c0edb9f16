package firehose

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupfeed_jetstream_connection_attempts_total",
		Help: "The total number of connection attempts to the Jetstream websocket",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupfeed_jetstream_connection_errors_total",
		Help: "The total number of connection errors encountered",
	})

	wsCurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupfeed_jetstream_current_connections",
		Help: "The current number of active Jetstream websocket connections",
	})

	wsConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupfeed_jetstream_connection_duration_seconds",
		Help:    "Duration of Jetstream websocket connections",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s, double each bucket, 10 buckets
	})

	wsHostSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupfeed_jetstream_host_switches_total",
		Help: "Number of times the connection switched to a different host",
	}, []string{"from_host", "to_host"})

	processingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupfeed_jetstream_processing_errors_total",
		Help: "The total number of Jetstream messages that could not be processed",
	})

	bufferedPosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupfeed_firehose_buffered_posts",
		Help: "Posts received from Jetstream and not yet fetched by the poller",
	})

	bufferDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupfeed_firehose_dropped_posts_total",
		Help: "Posts dropped because the buffer was full",
	})
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 1024        // 1KB
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second
)

// JetstreamConfig holds configuration for the Jetstream connection
type JetstreamConfig struct {
	// Hosts is a list of Jetstream endpoints to try in order
	// e.g. ["wss://jetstream1.us-east.bsky.network", "wss://jetstream2.us-east.bsky.network"]
	Hosts             []string
	WantedCollections []string
	WantedDids        []string
	Cursor            int64
	Compress          bool
	UserAgent         string
}

// RawMessage represents an unparsed message from the websocket
type RawMessage struct {
	MessageType int    // websocket.TextMessage or websocket.BinaryMessage
	Data        []byte // Raw message data
}

// subscribeURL builds the subscribe endpoint for host with the query parameters
func subscribeURL(host string, config JetstreamConfig) (string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/subscribe", host))
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	for _, collection := range config.WantedCollections {
		q.Add("wantedCollections", collection)
	}
	for _, did := range config.WantedDids {
		q.Add("wantedDids", did)
	}
	if config.Cursor != 0 {
		q.Set("cursor", fmt.Sprintf("%d", config.Cursor))
	}
	if config.Compress {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// SubscribeJetstream dials the configured hosts in turn until one accepts the
// connection or ctx is done.
func SubscribeJetstream(ctx context.Context, config JetstreamConfig) (*websocket.Conn, error) {
	log.WithFields(log.Fields{
		"hosts":  config.Hosts,
		"cursor": config.Cursor,
	}).Info("Subscribing to Jetstream")

	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts provided in config")
	}

	currentHostIdx := 0

	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: 45 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   45 * time.Second,
			KeepAlive: 45 * time.Second,
		}).DialContext,
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.Multiplier = 1.5
	retry.MaxElapsedTime = 0 // Never stop retrying

	headers := http.Header{}
	if config.UserAgent != "" {
		headers.Set("User-Agent", config.UserAgent)
	}
	if config.Compress {
		headers.Set("Accept-Encoding", "zstd")
	}

	hostsTried := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		currentHost := config.Hosts[currentHostIdx]
		target, err := subscribeURL(currentHost, config)
		if err != nil {
			return nil, err
		}

		wsConnectionAttempts.Inc()
		conn, _, dialErr := dialer.DialContext(ctx, target, headers)
		if dialErr == nil {
			wsCurrentConnections.Inc()
			setupConnectionHandlers(conn)
			return conn, nil
		}

		wsConnectionErrors.Inc()
		log.Errorf("Error connecting to Jetstream host %s: %s", currentHost, dialErr)
		hostsTried++

		// Try the next host before backing off
		if hostsTried < len(config.Hosts) {
			nextHostIdx := (currentHostIdx + 1) % len(config.Hosts)
			wsHostSwitches.WithLabelValues(currentHost, config.Hosts[nextHostIdx]).Inc()
			log.Infof("Switching from host %s to %s", currentHost, config.Hosts[nextHostIdx])
			currentHostIdx = nextHostIdx
			continue
		}

		// All hosts failed, wait before starting over
		hostsTried = 0
		currentHostIdx = (currentHostIdx + 1) % len(config.Hosts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry.NextBackOff()):
		}
	}
}

// setupConnectionHandlers configures the websocket connection handlers
func setupConnectionHandlers(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	conn.SetCloseHandler(func(code int, text string) error {
		log.Infof("WebSocket connection closed with code %d: %s", code, text)
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		log.Debug("Received ping from server")
		if err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	conn.SetPongHandler(func(appData string) error {
		log.Debug("Received pong from server")
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
}

// managePingPong keeps the connection alive until done is closed
func managePingPong(done <-chan struct{}, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			log.Debug("Sending ping to check connection")
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Warn("Ping failed, closing connection for restart: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}
		}
	}
}

// SubscribeJetstreamWithMessages connects and pushes every message onto
// workerQueue. It blocks until the connection is lost or ctx is done.
func SubscribeJetstreamWithMessages(ctx context.Context, config JetstreamConfig, workerQueue chan<- *RawMessage) error {
	conn, err := SubscribeJetstream(ctx, config)
	if err != nil {
		return err
	}

	connStart := time.Now()
	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		wsConnectionDuration.Observe(time.Since(connStart).Seconds())
		wsCurrentConnections.Dec()
	}()

	go managePingPong(done, conn)

	// Unblock ReadMessage on shutdown
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("Unexpected websocket close: %v", err)
			}
			wsConnectionErrors.Inc()
			return fmt.Errorf("failed to read message: %w", err)
		}

		select {
		case workerQueue <- &RawMessage{MessageType: messageType, Data: message}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
