package cmd

import (
	"bufio"
	"fmt"
	"net/url"
	"os"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/devforgehq/forged/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var gatewayURL string
	var token string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat client against a running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runChat(gatewayURL, token); err != nil {
				fmt.Fprintln(os.Stderr, "chat:", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "url", "ws://127.0.0.1:18890/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("FORGED_GATEWAY_TOKEN"), "gateway bearer token")
	return cmd
}

func runChat(gatewayURL, token string) error {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	var sessionID string
	frames := make(chan protocol.ServerFrame)
	errs := make(chan error, 1)

	go func() {
		for {
			var frame protocol.ServerFrame
			if err := conn.ReadJSON(&frame); err != nil {
				errs <- err
				return
			}
			frames <- frame
		}
	}()

	// Wait for the session frame before accepting input.
	select {
	case frame := <-frames:
		if frame.Type != protocol.FrameSession {
			return fmt.Errorf("unexpected first frame %q", frame.Type)
		}
		sessionID = frame.SessionID
		fmt.Printf("session %s — type a message, /help for commands, ctrl-d to quit\n", sessionID)
	case err := <-errs:
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := conn.WriteJSON(protocol.ClientFrame{Content: line, SessionID: sessionID}); err != nil {
			return fmt.Errorf("send: %w", err)
		}

	turn:
		for {
			select {
			case frame := <-frames:
				switch frame.Type {
				case protocol.FrameChunk:
					fmt.Print(frame.Content)
				case protocol.FrameEnd:
					fmt.Println()
					break turn
				case protocol.FrameError:
					fmt.Printf("\nerror (%s): %s\n", frame.Kind, frame.Message)
					break turn
				}
			case err := <-errs:
				return err
			}
		}
	}
}
