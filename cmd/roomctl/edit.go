package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mentora/roomsync/internal/awareness"
	"github.com/mentora/roomsync/internal/editor"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/session"
	"github.com/mentora/roomsync/internal/transport"
)

const editHelp = `Lines you type are appended to the file. Commands:
  :text            print the document
  :peers           list who is editing
  :download [dir]  save the document locally
  :clear           empty the document
  :retry           reconnect after the connection was given up
  :quit            leave`

func newEditCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "edit ROOM FILE",
		Short: "Edit a shared file together with the rest of the room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(v)
			if err != nil {
				return err
			}
			userID, userName, err := userIdentity()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			file, err := fetchFile(ctx, httpBase(conf.Client.ServerURL), args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			buf := editor.NewBuffer()
			c := session.NewCoordinator(session.Options{
				Transport:      transport.NewWebSocket(conf.Client.ServerURL, websocket.BinaryMessage, logging.New("transport")),
				Widget:         buf,
				ReconnectDelay: conf.Client.ReconnectDelay,
				MaxAttempts:    conf.Client.MaxReconnectAttempts,
				Logger:         logging.New("session"),
				OnStatus: func(s session.Status) {
					fmt.Fprintf(out, "[%s]\n", s.Message())
				},
				OnPeers: func(peers []awareness.Peer) {
					fmt.Fprintf(out, "[present: %s]\n", peerNames(peers))
				},
				OnNotice: func(err error) {
					fmt.Fprintf(out, "[notice: %v]\n", err)
				},
			})

			err = c.Open(session.Params{
				RoomID:   args[0],
				UserID:   userID,
				UserName: userName,
				File:     *file,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Fprintln(out, editHelp)
			return editLoop(ctx, c, cmd.InOrStdin(), out)
		},
	}
}

func editLoop(ctx context.Context, c *session.Coordinator, in io.Reader, out io.Writer) error {
	for line := range readLines(ctx, in) {
		b := c.Binding()
		if b == nil {
			return nil
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch cmd {
		case ":quit":
			return nil
		case ":text":
			fmt.Fprintln(out, b.Text())
		case ":peers":
			fmt.Fprintln(out, peerNames(c.Peers()))
		case ":retry":
			if err := c.Retry(); err != nil {
				fmt.Fprintf(out, "retry: %v\n", err)
			}
		case ":clear":
			report(out, b.Replace(""))
		case ":download":
			dir := arg
			if dir == "" {
				dir = "."
			}
			path, err := b.Download(dir)
			if err != nil {
				fmt.Fprintf(out, "download: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "saved %s\n", path)
		default:
			text := b.Text()
			report(out, b.Insert(utf8.RuneCountInString(text), line+"\n"))
		}
	}
	return nil
}

func report(out io.Writer, err error) {
	if err != nil {
		fmt.Fprintf(out, "edit rejected: %v\n", err)
	}
}

func peerNames(peers []awareness.Peer) string {
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}

// readLines streams lines from in until EOF or ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		}
	}()
	return lines
}
