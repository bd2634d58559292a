// Package bot authorizes, parses, and answers inbound bot commands by
// querying the monitoring API and replying through the Telegram client.
package bot

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vmnotify/relay/internal/config"
	"github.com/vmnotify/relay/internal/monitor"
)

// Replier delivers a reply to a chat (consumer-side interface; satisfied
// by the Telegram client).
type Replier interface {
	SendMessage(ctx context.Context, token, chatID, text string) error
}

// MachineSource fetches the current machine list.
type MachineSource interface {
	Machines(ctx context.Context, url string) ([]monitor.Machine, error)
}

// Recorder receives delivery outcomes for the audit log. Optional.
type Recorder interface {
	Record(ctx context.Context, chatID, template string, ok bool, detail string) error
}

// Fixed replies. Command failures never propagate to the webhook caller;
// they become one of these or a report string.
const (
	notAuthorizedReply = "⛔ You are not authorized to use this bot."
	fetchErrorReply    = "⚠️ Could not reach the monitoring service. Try again later."
	unknownReply       = "Unknown command. Send /help for the list of commands."
	vmUsageReply       = "Usage: /vm <hostname>"
)

// maxCandidates caps the list shown when /vm matches several hostnames.
const maxCandidates = 5

// Handler dispatches inbound bot commands.
type Handler struct {
	cfg      *config.Store
	source   MachineSource
	replier  Replier
	recorder Recorder
	logger   *zap.Logger
}

// New creates a Handler. recorder may be nil to skip audit logging.
func New(cfg *config.Store, source MachineSource, replier Replier, recorder Recorder, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		source:   source,
		replier:  replier,
		recorder: recorder,
		logger:   logger,
	}
}

// HandleCommand authorizes the sender, parses the command, and sends the
// reply. It never returns an error: the webhook caller only expects
// {ok:true}, so every failure ends as a textual reply or a log line.
func (h *Handler) HandleCommand(ctx context.Context, chatID, text, firstName string) {
	relay := h.cfg.Load()

	if !relay.ChatAuthorized(chatID) {
		h.logger.Warn("unauthorized command attempt", zap.String("chat_id", chatID))
		h.reply(ctx, relay, chatID, notAuthorizedReply, "unauthorized")
		return
	}

	cmd, args := ParseCommand(text)
	h.logger.Info("bot command", zap.String("chat_id", chatID), zap.String("command", cmd))

	var msg string
	switch cmd {
	case "/start", "/help":
		msg = helpText(firstName)
	case "/summary":
		msg = h.withMachines(ctx, relay, Summary)
	case "/alerts":
		msg = h.withMachines(ctx, relay, Alerts)
	case "/vms":
		msg = h.withMachines(ctx, relay, FleetTable)
	case "/vm":
		if len(args) == 0 {
			msg = vmUsageReply
		} else {
			msg = h.lookup(ctx, relay, args[0])
		}
	default:
		msg = unknownReply
	}

	h.reply(ctx, relay, chatID, msg, cmd)
}

// ParseCommand lowercases and trims text, splits on whitespace, and
// strips a trailing @botname from the command token.
func ParseCommand(text string) (cmd string, args []string) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return "", nil
	}
	cmd = fields[0]
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:]
}

// withMachines fetches the machine list and applies a report builder,
// failing soft on upstream errors.
func (h *Handler) withMachines(ctx context.Context, relay *config.Relay, report func([]monitor.Machine) string) string {
	machines, err := h.source.Machines(ctx, relay.MonitorURL)
	if err != nil {
		h.logger.Error("monitor fetch failed", zap.Error(err))
		return fetchErrorReply
	}
	return report(machines)
}

// lookup resolves a /vm query to a detail block, a not-found reply, or a
// capped candidate list.
func (h *Handler) lookup(ctx context.Context, relay *config.Relay, query string) string {
	machines, err := h.source.Machines(ctx, relay.MonitorURL)
	if err != nil {
		h.logger.Error("monitor fetch failed", zap.Error(err))
		return fetchErrorReply
	}

	var matches []monitor.Machine
	for _, m := range machines {
		if strings.Contains(strings.ToLower(m.Hostname), query) {
			matches = append(matches, m)
		}
	}

	switch len(matches) {
	case 0:
		return fmt.Sprintf("❌ No VM found matching %q.", query)
	case 1:
		return MachineDetail(&matches[0])
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "Found %d matches for %q:\n", len(matches), query)
		for i, m := range matches {
			if i == maxCandidates {
				break
			}
			fmt.Fprintf(&b, "• %s\n", m.Hostname)
		}
		b.WriteString("Narrow the query to see details.")
		return b.String()
	}
}

func (h *Handler) reply(ctx context.Context, relay *config.Relay, chatID, text, command string) {
	err := h.replier.SendMessage(ctx, relay.BotToken, chatID, text)
	if err != nil {
		h.logger.Error("bot reply failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	if h.recorder != nil {
		if rerr := h.recorder.Record(ctx, chatID, "command_reply", err == nil, command); rerr != nil {
			h.logger.Warn("history record failed", zap.Error(rerr))
		}
	}
}

func helpText(firstName string) string {
	var b strings.Builder
	if firstName != "" {
		fmt.Fprintf(&b, "👋 Hi %s!\n\n", firstName)
	}
	b.WriteString("Available commands:\n")
	b.WriteString("/summary - fleet status overview\n")
	b.WriteString("/alerts - machines needing attention\n")
	b.WriteString("/vms - detailed fleet table\n")
	b.WriteString("/vm <hostname> - single machine detail\n")
	b.WriteString("/help - this message")
	return b.String()
}
