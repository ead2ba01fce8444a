package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type latencySample struct {
	dur time.Duration
}

type chatFrame struct {
	SenderID int64  `json:"senderId"`
	TargetID int64  `json:"targetId"`
	Text     string `json:"text"`
	SentAt   string `json:"sentAt"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8000/ws/chat", "websocket address to target")
	users := flag.Int("users", 100, "number of distinct users (ids 1..n)")
	tabs := flag.Int("tabs", 2, "connections opened per user")
	messages := flag.Int("messages", 50, "number of messages user 1 sends")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between messages")
	settle := flag.Duration("settle", time.Second, "time to wait for late deliveries")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("target", *addr).Logger()

	if *users < 2 || *tabs < 1 {
		logger.Fatal().Msg("need at least 2 users and 1 tab")
	}

	base, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	latencyCh := make(chan latencySample, (*users)*(*tabs)*(*messages)+1)

	var (
		readers sync.WaitGroup
		connsMu sync.Mutex
		conns   []*websocket.Conn
		sender  *websocket.Conn
	)

	for user := 1; user <= *users; user++ {
		for tab := 0; tab < *tabs; tab++ {
			u := *base
			q := u.Query()
			q.Set("userId", strconv.Itoa(user))
			u.RawQuery = q.Encode()

			conn, _, err := dialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				logger.Error().Err(err).Int("user", user).Int("tab", tab).Msg("dial failed")
				continue
			}
			connsMu.Lock()
			conns = append(conns, conn)
			connsMu.Unlock()
			if user == 1 && sender == nil {
				sender = conn
			}

			readers.Add(1)
			go func(user int) {
				defer readers.Done()
				readerLoop(conn, int64(user), latencyCh, logger)
			}(user)
		}
	}
	if sender == nil {
		logger.Fatal().Msg("user 1 could not connect")
	}
	logger.Info().Int("connections", len(conns)).Msg("clients connected")

	sent := send(ctx, sender, *users, *messages, *interval, logger)

	select {
	case <-time.After(*settle):
	case <-ctx.Done():
	}
	connsMu.Lock()
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	connsMu.Unlock()
	readers.Wait()
	close(latencyCh)

	report(latencyCh, sent, *tabs, logger)
}

// send has user 1 message users 2..n in turn.
func send(ctx context.Context, conn *websocket.Conn, users, messages int, interval time.Duration, logger zerolog.Logger) int {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for i := 0; i < messages; i++ {
		select {
		case <-ctx.Done():
			return sent
		case <-ticker.C:
		}
		frame := chatFrame{
			SenderID: 1,
			TargetID: int64(2 + i%(users-1)),
			Text:     fmt.Sprintf("message %d", i),
			SentAt:   time.Now().UTC().Format(time.RFC3339Nano),
		}
		data, err := json.Marshal(frame)
		if err != nil {
			logger.Error().Err(err).Msg("encode frame")
			return sent
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Error().Err(err).Msg("failed to send message")
			return sent
		}
		sent++
	}
	return sent
}

// readerLoop records latency for frames addressed to user. Echoes back to
// the sender's own tabs are ignored.
func readerLoop(conn *websocket.Conn, user int64, latencies chan<- latencySample, logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Int64("user", user).Msg("reader stopped")
			}
			return
		}

		var frame chatFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if frame.TargetID != user || frame.SentAt == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, frame.SentAt); err == nil {
			latencies <- latencySample{dur: time.Since(ts)}
		}
	}
}

func report(samples <-chan latencySample, sent, tabs int, logger zerolog.Logger) {
	var durations []time.Duration
	var total time.Duration
	var under50ms int

	for s := range samples {
		durations = append(durations, s.dur)
		total += s.dur
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	expected := sent * tabs
	if len(durations) == 0 {
		fmt.Fprintf(os.Stdout, "no samples collected (sent %d)\n", sent)
		return
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	count := len(durations)
	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	p99 := durations[int(math.Ceil(float64(count)*0.99))-1]
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Sent: %d\nDelivered: %d/%d\nAvg latency: %s\nP99 latency: %s\nMax latency: %s\n<50ms: %.2f%%\n",
		sent, count, expected, avg, p99, durations[count-1], pct)
	if count < expected {
		logger.Warn().Int("missing", expected-count).Msg("some deliveries never arrived")
	}
	if pct < 95 {
		logger.Warn().Msg("less than 95% of messages met the 50ms target")
	}
}
