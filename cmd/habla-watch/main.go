// habla-watch tails the notification stream of a running habla service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-habla/pkg/session"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

func main() {
	var (
		addr  = flag.String("url", "ws://localhost:8080/ws/events", "Notification websocket URL")
		kinds = flag.String("kinds", "", "Comma-separated kinds to show (default: all)")
		raw   = flag.Bool("raw", false, "Print raw JSON")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, *addr, parseKinds(*kinds), *raw, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "habla-watch: %v\n", err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, addr string, kinds map[session.NotificationKind]bool, raw bool, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}

		var n session.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			fmt.Fprintf(out, "? %s\n", data)
			continue
		}
		if len(kinds) > 0 && !kinds[n.Kind] {
			continue
		}
		if raw {
			fmt.Fprintf(out, "%s\n", data)
			continue
		}
		fmt.Fprintln(out, format(n, data))
	}
}

func parseKinds(s string) map[session.NotificationKind]bool {
	out := make(map[session.NotificationKind]bool)
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out[session.NotificationKind(k)] = true
		}
	}
	return out
}

// format renders one line. data is the original message; typed payloads
// are decoded from it because Notification.Data arrives as a generic map.
func format(n session.Notification, data []byte) string {
	ts := n.Time.Local().Format("15:04:05")
	switch n.Kind {
	case session.NotifyTurn:
		var env struct {
			Data session.TurnNotice `json:"data"`
		}
		if json.Unmarshal(data, &env) == nil && env.Data.Turn.Text != "" {
			return fmt.Sprintf("%s [%s] %-24s %s", ts, env.Data.Language, env.Data.Turn.Type, env.Data.Turn.Text)
		}
	case session.NotifyActionStatus:
		var env struct {
			Data toolrelay.ActionState `json:"data"`
		}
		if json.Unmarshal(data, &env) == nil && env.Data.Label != "" {
			line := fmt.Sprintf("%s action %q %s", ts, env.Data.Label, env.Data.Status)
			if env.Data.Error != "" {
				line += ": " + env.Data.Error
			}
			return line
		}
	case session.NotifyToastError:
		return fmt.Sprintf("%s ERROR %s", ts, n.Message)
	case session.NotifyToastInfo:
		return fmt.Sprintf("%s INFO  %s", ts, n.Message)
	}
	if n.Message != "" {
		return fmt.Sprintf("%s %s %s", ts, n.Kind, n.Message)
	}
	return fmt.Sprintf("%s %s", ts, n.Kind)
}
