package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mentora/roomsync/internal/chatclient"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/transport"
)

const chatHelp = `Type a message and press enter. Commands:
  /history  print the conversation grouped by date
  /away     stop reconnecting while you are away
  /back     reconnect right away if disconnected
  /quit     leave`

func newChatCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "chat ROOM",
		Short: "Chat with the room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(v)
			if err != nil {
				return err
			}
			userID, userName, err := userIdentity()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			visibility := &chatclient.Toggle{}
			view := &chatView{out: out}

			var c *chatclient.Client
			c = chatclient.New(chatclient.Options{
				Transport:      transport.NewWebSocket(conf.Client.ServerURL, websocket.TextMessage, logging.New("transport")),
				Visibility:     visibility,
				ReconnectDelay: conf.Client.ChatReconnectDelay,
				Logger:         logging.New("chatclient"),
				OnChange:       func() { view.render(c) },
			})
			if err := c.Join(args[0], userID, userName); err != nil {
				return err
			}
			defer c.Leave()

			fmt.Fprintln(out, chatHelp)
			for line := range readLines(cmd.Context(), cmd.InOrStdin()) {
				switch strings.TrimSpace(line) {
				case "/quit":
					return nil
				case "/history":
					printGroups(out, c)
				case "/away":
					visibility.SetHidden(true)
				case "/back":
					visibility.SetHidden(false)
					c.VisibilityChanged()
				default:
					if err := c.Send(line); err != nil {
						fmt.Fprintf(out, "[not sent: %v]\n", err)
					}
				}
			}
			return nil
		},
	}
}

// chatView prints what changed since the last render.
type chatView struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	state   chatclient.State
	banner  error
}

func (v *chatView) render(c *chatclient.Client) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if state := c.State(); state != v.state {
		v.state = state
		fmt.Fprintf(v.out, "[chat %s]\n", state)
	}
	if err := c.Err(); err != v.banner {
		v.banner = err
		if err != nil {
			fmt.Fprintf(v.out, "[! %v]\n", err)
		}
	}

	msgs := c.Messages()
	if len(msgs) < v.printed {
		// history replaced the list
		v.printed = 0
	}
	for _, m := range msgs[v.printed:] {
		fmt.Fprintf(v.out, "%s %s: %s\n", m.Timestamp.Local().Format("15:04"), m.UserName, m.Text)
	}
	v.printed = len(msgs)
}

func printGroups(out io.Writer, c *chatclient.Client) {
	for _, g := range chatclient.GroupByDate(c.Messages(), time.Local) {
		fmt.Fprintf(out, "-- %s --\n", g.Date)
		for _, m := range g.Messages {
			fmt.Fprintf(out, "%s %s: %s\n", m.Timestamp.Local().Format("15:04"), m.UserName, m.Text)
		}
	}
}
