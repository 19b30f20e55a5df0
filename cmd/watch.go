package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shieldchat/presence/internal/agent"
	"github.com/shieldchat/presence/internal/log"
	"github.com/shieldchat/presence/internal/presence"
	"github.com/shieldchat/presence/internal/realtime"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var watchCmd = &cobra.Command{
	Use:   "watch <channel>...",
	Short: "Join channels as a presence client and print updates",
	Long: `Connects to a presence server as the given identity, subscribes to each
channel and prints every snapshot received. Output is human readable on a
terminal and one JSON presence_update per line otherwise.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logConfig, err := buildLogConfig(cmd)
		if err != nil {
			return err
		}
		if err := log.Init(logConfig); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer log.Close()

		serverURL := stringSetting(cmd, "server", "PRESENCE_SERVER_URL")
		identity := stringSetting(cmd, "identity", "PRESENCE_IDENTITY")
		if identity == "" {
			return fmt.Errorf("an identity is required (--identity or PRESENCE_IDENTITY)")
		}

		cfg := agent.DefaultConfig(serverURL, identity)
		if cfg.MaxAttempts, err = intSetting(cmd, "max-attempts", "PRESENCE_MAX_ATTEMPTS"); err != nil {
			return err
		}
		if cfg.HeartbeatInterval, err = durationSetting(cmd, "heartbeat", "PRESENCE_HEARTBEAT_INTERVAL"); err != nil {
			return err
		}

		a := agent.New(cfg)
		p := newPrinter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())), identity)
		a.OnStatus(p.status)
		a.OnUpdate(p.update)

		for _, ch := range args {
			if err := a.Subscribe(ch); err != nil {
				return err
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := a.Start(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
		case <-a.Done():
		}
		exhausted := a.Exhausted()
		if err := a.Close(); err != nil {
			return err
		}
		if exhausted {
			return fmt.Errorf("could not reach %s after %d attempts", serverURL, cfg.MaxAttempts)
		}
		return nil
	},
}

// printer renders agent events either for a person or for a pipe.
type printer struct {
	mu          sync.Mutex
	w           io.Writer
	interactive bool
	self        string
}

func newPrinter(w io.Writer, interactive bool, self string) *printer {
	return &printer{w: w, interactive: interactive, self: self}
}

func (p *printer) status(s agent.Status) {
	if !p.interactive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s] %s\n", time.Now().Format("15:04:05"), s)
}

func (p *printer) update(channelID string, records []presence.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.interactive {
		data, err := json.Marshal(realtime.NewPresenceUpdate(channelID, records))
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(data))
		return
	}

	var online, typing []string
	for _, r := range records {
		name := r.Identity
		if name == p.self {
			name += " (you)"
		}
		if r.IsOnline {
			online = append(online, name)
		}
		if r.IsTyping && r.Identity != p.self {
			typing = append(typing, r.Identity)
		}
	}
	line := fmt.Sprintf("[%s] #%s online: %s", time.Now().Format("15:04:05"), channelID, joinOrNone(online))
	if len(typing) > 0 {
		line += fmt.Sprintf(" | typing: %s", strings.Join(typing, ", "))
	}
	fmt.Fprintln(p.w, line)
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}

func init() {
	rootCmd.AddCommand(watchCmd)
	def := agent.DefaultConfig("", "")
	watchCmd.Flags().String("server", "ws://localhost:8080/", "Presence server WebSocket URL")
	watchCmd.Flags().String("identity", "", "Identity (wallet address) to present as")
	watchCmd.Flags().Int("max-attempts", def.MaxAttempts, "Connection attempts before giving up")
	watchCmd.Flags().Duration("heartbeat", def.HeartbeatInterval, "Heartbeat interval")
	addLogFlags(watchCmd)
}
