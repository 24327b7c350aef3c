// Command chatcli joins one event room and prints its traffic. Lines typed
// on stdin are sent as messages.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/event-chat/internal/chatclient"
	"github.com/npezzotti/event-chat/internal/server"
	"github.com/npezzotti/event-chat/internal/types"
)

func main() {
	_ = godotenv.Load()

	url := flag.String("url", "ws://localhost:8000/ws/chat", "chat websocket url")
	token := flag.String("token", os.Getenv("EVENT_CHAT_TOKEN"), "session token")
	eventId := flag.String("event", "", "event id to join")
	history := flag.Int("history", 20, "number of past messages to load")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatcli] ", log.LstdFlags)

	if *eventId == "" {
		logger.Fatal("an -event id is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := chatclient.Dial(dialCtx, *url, *token, logger)
	dialCancel()
	if err != nil {
		logger.Fatal("dial:", err)
	}
	defer c.Close()

	timeline := chatclient.NewTimeline(*eventId)
	timeline.Attach(c)

	c.On(server.EventJoinedRoom, func(ev chatclient.Event) {
		fmt.Println("* joined room")
		if _, err := c.GetMessages(*eventId, nil, *history); err != nil {
			logger.Println("get messages:", err)
		}
	})
	c.On(server.EventMessagesHistory, func(ev chatclient.Event) {
		for _, m := range timeline.Messages() {
			printMessage(m)
		}
	})
	c.On(server.EventNewMessage, func(ev chatclient.Event) {
		var m types.Message
		if err := json.Unmarshal(ev.Data, &m); err == nil {
			printMessage(m)
		}
	})
	c.On(server.EventUserJoined, func(ev chatclient.Event) {
		var u server.UserJoined
		if err := json.Unmarshal(ev.Data, &u); err == nil {
			fmt.Printf("* %s joined\n", u.User.DisplayName)
		}
	})
	c.On(server.EventUserLeft, func(ev chatclient.Event) {
		var u server.UserLeft
		if err := json.Unmarshal(ev.Data, &u); err == nil {
			fmt.Printf("* %s left\n", u.UserId)
		}
	})
	c.On(server.EventTypingUpdate, func(ev chatclient.Event) {
		var u server.TypingUpdate
		if err := json.Unmarshal(ev.Data, &u); err == nil && len(u.UserIds) > 0 {
			fmt.Printf("* typing: %s\n", strings.Join(u.UserIds, ", "))
		}
	})
	c.On(server.EventError, func(ev chatclient.Event) {
		if p, err := ev.ErrorPayload(); err == nil {
			fmt.Printf("! error %d: %s\n", p.Code, p.Message)
		}
	})

	if _, err := c.JoinRoom(*eventId); err != nil {
		logger.Fatal("join:", err)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := c.SendMessage(*eventId, line); err != nil {
				logger.Println("send:", err)
			}
		case <-c.Done():
			if err := c.Err(); err != nil {
				logger.Println("connection closed:", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func printMessage(m types.Message) {
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.Author.DisplayName, m.Content)
}
