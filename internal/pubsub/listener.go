package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

const (
	// Time allowed to write a frame to the broker
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the broker
	maxMessageSize = 1024 * 1024
)

// ErrSubscriptionURLChanged stops the listener: the broker moved while we were connected
var ErrSubscriptionURLChanged = errors.New("mismatch in ephemeriPubsubUrl")

// SubscriptionSource fetches the pubsub subscription for a compute client
type SubscriptionSource interface {
	GetPubsubSubscription(ctx context.Context, computeClientID, computeClientPrivateKey string) (*types.PubsubSubscription, error)
}

// Listener keeps a websocket subscription to the pubsub broker open and queues the messages it
// receives until the daemon drains them with TakeMessages
type Listener struct {
	source          SubscriptionSource
	computeClientID string
	privateKey      string
	logger          *utils.LogsManager
	dialer          *websocket.Dialer

	pingInterval   time.Duration
	pongTimeout    time.Duration
	reconnectDelay time.Duration

	pubsubURL string
	wsURL     string

	mu     sync.Mutex
	queue  []types.PubsubMessage
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(source SubscriptionSource, computeClientID, privateKey string, cm *utils.ConfigManager, logger *utils.LogsManager) *Listener {
	return &Listener{
		source:          source,
		computeClientID: computeClientID,
		privateKey:      privateKey,
		logger:          logger,
		dialer:          websocket.DefaultDialer,
		pingInterval:    cm.GetConfigDuration("pubsub_ping_interval", 60*time.Second),
		pongTimeout:     cm.GetConfigDuration("pubsub_pong_timeout", 20*time.Second),
		reconnectDelay:  cm.GetConfigDuration("pubsub_reconnect_delay", 5*time.Second),
	}
}

// WebsocketURL converts the broker's http(s) URL to its ws(s) equivalent
func WebsocketURL(pubsubURL string) (string, error) {
	switch {
	case strings.HasPrefix(pubsubURL, "http://"):
		return "ws://" + strings.TrimPrefix(pubsubURL, "http://"), nil
	case strings.HasPrefix(pubsubURL, "https://"):
		return "wss://" + strings.TrimPrefix(pubsubURL, "https://"), nil
	default:
		return "", fmt.Errorf("unexpected ephemeriPubsubUrl: %s", pubsubURL)
	}
}

// Start fetches the subscription once to learn the broker URL, then connects in the background
func (l *Listener) Start(ctx context.Context) error {
	sub, err := l.source.GetPubsubSubscription(ctx, l.computeClientID, l.privateKey)
	if err != nil {
		return fmt.Errorf("getting pubsub subscription: %w", err)
	}
	wsURL, err := WebsocketURL(sub.EphemeriPubsubURL)
	if err != nil {
		return err
	}
	l.pubsubURL = sub.EphemeriPubsubURL
	l.wsURL = wsURL

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.run(runCtx)
	return nil
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(fmt.Sprintf("Pubsub listener panic: %v", r), "pubsub")
		}
	}()

	for {
		err := l.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrSubscriptionURLChanged) {
			l.logger.Error(err.Error(), "pubsub")
			l.setErr(err)
			return
		}
		if err != nil {
			l.logger.Warn(fmt.Sprintf("Websocket error: %v; reconnecting in %v", err, l.reconnectDelay), "pubsub")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

// connectOnce runs a single websocket session. It returns when the connection drops or ctx ends.
func (l *Listener) connectOnce(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.wsURL, err)
	}
	defer conn.Close()

	// On each open the subscribe request has to be fetched again and sent
	sub, err := l.source.GetPubsubSubscription(ctx, l.computeClientID, l.privateKey)
	if err != nil {
		return fmt.Errorf("getting pubsub subscription: %w", err)
	}
	if sub.EphemeriPubsubURL != l.pubsubURL {
		return fmt.Errorf("%w: %s %s", ErrSubscriptionURLChanged, l.pubsubURL, sub.EphemeriPubsubURL)
	}

	subscribe, err := json.Marshal(sub.EphemeriPubsubSubscribeRequest)
	if err != nil {
		return fmt.Errorf("encoding subscribe request: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, subscribe); err != nil {
		return fmt.Errorf("sending subscribe request: %w", err)
	}
	l.logger.Info("Subscribed to pubsub", "pubsub")

	readWait := l.pingInterval + l.pongTimeout
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go l.pingLoop(ctx, conn, sessionDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				l.logger.Info("Websocket closed by broker", "pubsub")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		l.handleFrame(data)
	}
}

// pingLoop sends keepalive pings and closes the connection when ctx ends, which unblocks the reader
func (l *Listener) pingLoop(ctx context.Context, conn *websocket.Conn, sessionDone <-chan struct{}) {
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				l.logger.Debug(fmt.Sprintf("Ping failed: %v", err), "pubsub")
				conn.Close()
				return
			}
		}
	}
}

func (l *Listener) handleFrame(data []byte) {
	var envelope types.PubsubEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		l.logger.Warn(fmt.Sprintf("Error parsing pubsub message: %v", err), "pubsub")
		return
	}
	if envelope.Type != types.PubsubEnvelopeType {
		return
	}

	l.mu.Lock()
	l.queue = append(l.queue, envelope.Message)
	l.mu.Unlock()
}

// TakeMessages drains the queue without blocking
func (l *Listener) TakeMessages() []types.PubsubMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	messages := l.queue
	l.queue = nil
	return messages
}

// Err returns the error that stopped the listener, if any
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Close stops the listener goroutine and waits for it to exit
func (l *Listener) Close() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
