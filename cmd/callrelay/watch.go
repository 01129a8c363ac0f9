package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"

	"github.com/germanamz/callrelay/pkg/observer"
	"github.com/germanamz/callrelay/pkg/registry"
	"github.com/germanamz/callrelay/pkg/relayclient"
)

const refreshInterval = 2 * time.Second

func runWatch(args []string) error {
	fs := newFlagSet("watch", "Show active calls and the live event stream of a running relay.")
	url := fs.String("url", "http://localhost:3001", "base URL of the running relay")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := relayclient.New(*url, nil)

	conn, err := client.Monitor(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	load := func() tea.Msg {
		loadCtx, cancel := context.WithTimeout(ctx, refreshInterval)
		defer cancel()

		resp, err := client.ActiveCalls(loadCtx)
		return activeCallsMsg{calls: resp.Calls, err: err}
	}

	p := tea.NewProgram(newWatchModel(*url, load), tea.WithAltScreen())

	stop := startMonitor(ctx, p, conn)
	defer stop()

	_, err = p.Run()
	return err
}

// monitorEvent is the union of every message the relay broadcasts.
type monitorEvent struct {
	Type          observer.MessageType `json:"type"`
	CallID        string               `json:"callId"`
	ChannelID     string               `json:"channelId"`
	CallerNumber  string               `json:"callerNumber"`
	CalledNumber  string               `json:"calledNumber"`
	Digit         string               `json:"digit"`
	Duration      int64                `json:"duration"`
	DataSize      int                  `json:"dataSize"`
	RecordingName string               `json:"recordingName"`
	Message       string               `json:"message"`
	Timestamp     time.Time            `json:"timestamp"`
}

type (
	activeCallsMsg struct {
		calls []registry.Snapshot
		err   error
	}
	monitorEventMsg  struct{ event monitorEvent }
	monitorClosedMsg struct{ err error }
	refreshMsg       struct{}
)

// startMonitor forwards observer frames from conn to p until ctx is done or
// the connection closes. The returned function stops the reader and waits
// for it to exit.
func startMonitor(ctx context.Context, p *tea.Program, conn *websocket.Conn) context.CancelFunc {
	readCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				if readCtx.Err() == nil {
					p.Send(monitorClosedMsg{err: err})
				}
				return
			}

			var ev monitorEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			p.Send(monitorEventMsg{event: ev})
		}
	})

	return func() {
		cancel()
		wg.Wait()
	}
}

func refreshCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshMsg{} })
}

// closeReason describes why the monitor stream ended.
func closeReason(err error) string {
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Sprintf("relay closed the stream (%s)", status)
	}
	if errors.Is(err, context.Canceled) {
		return "stream cancelled"
	}
	return "stream lost: " + err.Error()
}
