package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	kafka "github.com/segmentio/kafka-go"

	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/relay"
)

// The demo client plays one admin and one user against a running server
// started with --auth=cookie: the admin listens on the push channel, the
// user sends over HTTP, the admin reads the conversation back.

var (
	serverAddr   = flag.String("server", "127.0.0.1:8000", "msgrelay server address")
	userID       = flag.Int64("user", 2, "user id")
	adminID      = flag.Int64("admin", 1, "admin id")
	kafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, tail the journal when set")
	kafkaTopic   = flag.String("kafka-topic", "msgrelay-messages", "journal topic")
	timeout      = flag.Duration("timeout", 10*time.Second, "overall timeout")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		os.Exit(1)
	}
}

func cookieHeader(id identity.Identity) http.Header {
	h := http.Header{}
	h.Set("Cookie", fmt.Sprintf("x-kind=%s; x-id=%d", id.Kind, id.ID))
	return h
}

func run() error {
	admin, user := identity.Admin(*adminID), identity.User(*userID)

	wsURL := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), cookieHeader(admin))
	if err != nil {
		return fmt.Errorf("dial %s: %v", wsURL.String(), err)
	}
	defer conn.Close()

	frame, err := relay.EncodeFrame(relay.EventIdentify, &relay.DeclareEvent{Type: string(admin.Kind), ID: admin.ID})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("identify: %v", err)
	}
	fmt.Printf("%s connected and identified\n", admin)

	// give the server a moment to join the room
	time.Sleep(200 * time.Millisecond)

	body, _ := json.Marshal(&relay.SendRequest{
		ToType:  string(admin.Kind),
		ToID:    admin.ID,
		Message: "Hello from the demo",
		Name:    "Demo User",
		Email:   "demo@example.com",
	})
	resp, err := do(http.MethodPost, "/api/messages/send", user, body)
	if err != nil {
		return err
	}
	fmt.Printf("%s sent: %s\n", user, resp)

	deadline := time.Now().Add(*timeout)
	var gotReceive, gotAggregate bool
	for !(gotReceive && gotAggregate) {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read push channel: %v", err)
		}
		var f relay.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			return fmt.Errorf("bad frame %s: %v", msg, err)
		}
		fmt.Printf("%s received %s: %s\n", admin, f.Event, f.Data)
		switch f.Event {
		case relay.EventReceive:
			gotReceive = true
		case relay.EventAggregate:
			gotAggregate = true
		}
	}

	resp, err = do(http.MethodGet, fmt.Sprintf("/api/messages/conversation/%d", user.ID), admin, nil)
	if err != nil {
		return err
	}
	fmt.Printf("conversation seen by %s: %s\n", admin, resp)

	if *kafkaBrokers != "" {
		return tailJournal(deadline, user.Room())
	}
	return nil
}

func do(method, path string, as identity.Identity, body []byte) (string, error) {
	u := url.URL{Scheme: "http", Host: *serverAddr, Path: path}
	req, err := http.NewRequest(method, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header = cookieHeader(as)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// tailJournal prints the newest journal entry of every partition keyed by
// the user's room.
//
// kafka-topics.sh --bootstrap-server localhost:9092 --topic msgrelay-messages --create
func tailJournal(deadline time.Time, key string) error {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	broker := strings.Split(*kafkaBrokers, ",")[0]
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial kafka %s: %v", broker, err)
	}
	partitions, err := conn.ReadPartitions(*kafkaTopic)
	conn.Close()
	if err != nil {
		return fmt.Errorf("read partitions: %v", err)
	}

	var found bool
	for _, p := range partitions {
		leader, err := kafka.DialLeader(ctx, "tcp", broker, *kafkaTopic, p.ID)
		if err != nil {
			return fmt.Errorf("dial leader of partition %d: %v", p.ID, err)
		}
		m, ok, err := lastMessage(leader, deadline)
		leader.Close()
		if err != nil {
			return fmt.Errorf("partition %d: %v", p.ID, err)
		}
		if ok && string(m.Key) == key {
			found = true
			fmt.Printf("journal %s/%d@%d key=%s: %s\n", m.Topic, m.Partition, m.Offset, m.Key, m.Value)
		}
	}
	if !found {
		return fmt.Errorf("no journal entry keyed %s", key)
	}
	return nil
}

func lastMessage(conn *kafka.Conn, deadline time.Time) (kafka.Message, bool, error) {
	last, err := conn.ReadLastOffset()
	if err != nil || last == 0 {
		return kafka.Message{}, false, err
	}
	if _, err := conn.Seek(last-1, kafka.SeekAbsolute); err != nil {
		return kafka.Message{}, false, err
	}
	conn.SetReadDeadline(deadline)
	batch := conn.ReadBatch(1, 1<<20)
	defer batch.Close()
	m, err := batch.ReadMessage()
	if err != nil {
		return kafka.Message{}, false, err
	}
	return m, true, nil
}
