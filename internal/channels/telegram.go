package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/service"
	"github.com/basket/warden/internal/state"
)

// signalSyncInterval bounds how long an unacknowledged signal can sit
// before the polling fallback forwards it.
const signalSyncInterval = 5 * time.Second

const startBanner = "Supervisor bot online ✅\n" +
	"Send chat commands:\n" +
	"- /status [workspace_id]\n" +
	"- /feed [needs_input]\n" +
	"- /dispatch --ws <ids> --prompt <text>\n" +
	"- /ack <signal_id>\n" +
	"- /help"

// TelegramBridge forwards supervisor signals to allowed Telegram chats and
// routes inbound text through the supervisor chat command surface.
type TelegramBridge struct {
	token      string
	allowedIDs map[int64]struct{}
	svc        *service.Service
	logger     *slog.Logger
	eventBus   *bus.Bus
	bot        *tgbotapi.BotAPI

	notifiedMu sync.Mutex
	notified   map[string]struct{} // signal IDs already forwarded
}

// NewTelegramBridge wires a bridge against the supervisor service. The bus is
// optional; without it signal forwarding falls back to snapshot polling.
func NewTelegramBridge(cfg config.TelegramConfig, svc *service.Service, logger *slog.Logger, eventBus *bus.Bus) *TelegramBridge {
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramBridge{
		token:      cfg.Token,
		allowedIDs: allowed,
		svc:        svc,
		logger:     logger,
		eventBus:   eventBus,
		notified:   make(map[string]struct{}),
	}
}

func (t *TelegramBridge) Name() string {
	return "telegram"
}

func (t *TelegramBridge) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bridge started", "user", t.bot.Self.UserName, "allowed_ids", len(t.allowedIDs))

	go t.monitorSignals(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramBridge) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if update.Message.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramBridge) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		t.reply(msg.Chat.ID, "Please send text commands only.")
		return
	}

	if strings.EqualFold(text, "/start") || strings.EqualFold(text, "start") {
		t.reply(msg.Chat.ID, startBanner)
		return
	}

	history, err := t.svc.SendChatCommand(ctx, text)
	if err != nil {
		t.logger.Error("telegram chat command failed", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: %v", err))
		return
	}

	rendered := lastSystemText(history)
	if rendered == "" {
		rendered = "Command accepted."
	}
	t.reply(msg.Chat.ID, rendered)
}

// lastSystemText returns the text of the most recent system chat message.
func lastSystemText(messages []state.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == state.ChatRoleSystem {
			return messages[i].Text
		}
	}
	return ""
}

// monitorSignals forwards newly raised signals to every allowed chat. With a
// bus it reacts to signal.raised events; a slow ticker catches anything the
// bridge missed while disconnected.
func (t *TelegramBridge) monitorSignals(ctx context.Context) {
	var busCh <-chan bus.Event
	if t.eventBus != nil {
		sub := t.eventBus.Subscribe(bus.TopicSignalRaised)
		defer t.eventBus.Unsubscribe(sub)
		busCh = sub.Ch()
	}

	ticker := time.NewTicker(signalSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-busCh:
			t.syncSignals()
		case <-ticker.C:
			t.syncSignals()
		}
	}
}

// syncSignals sends every unacknowledged, not-yet-forwarded signal, oldest first.
func (t *TelegramBridge) syncSignals() {
	pending := t.pendingSignals(t.svc.Snapshot())
	for _, sig := range pending {
		text := formatSignalMessage(sig)
		for chatID := range t.allowedIDs {
			t.reply(chatID, text)
		}
		t.markNotified(sig.ID)
	}
}

// pendingSignals picks the unacknowledged signals that have not been forwarded
// yet, ordered oldest first so notifications arrive in raise order.
func (t *TelegramBridge) pendingSignals(agg *state.Aggregate) []state.Signal {
	t.notifiedMu.Lock()
	defer t.notifiedMu.Unlock()

	var pending []state.Signal
	for _, sig := range agg.Signals {
		if sig.Acknowledged() {
			continue
		}
		if _, seen := t.notified[sig.ID]; seen {
			continue
		}
		pending = append(pending, sig)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAtMs < pending[j].CreatedAtMs
	})
	return pending
}

func (t *TelegramBridge) markNotified(signalID string) {
	t.notifiedMu.Lock()
	t.notified[signalID] = struct{}{}
	t.notifiedMu.Unlock()
}

func formatSignalMessage(sig state.Signal) string {
	kind := string(sig.Kind)
	switch sig.Kind {
	case state.SignalNeedsApproval:
		kind = "Needs approval"
	case state.SignalFailed:
		kind = "Failed"
	case state.SignalCompleted:
		kind = "Completed"
	case state.SignalStalled:
		kind = "Stalled"
	case state.SignalDisconnected:
		kind = "Disconnected"
	}

	return fmt.Sprintf(
		"🔔 Supervisor signal\nType: %s\nMessage: %s\nWorkspace: %s\nThread: %s",
		kind,
		sig.Message,
		orDash(sig.WorkspaceID),
		orDash(sig.ThreadID),
	)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func (t *TelegramBridge) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram message", "error", err)
	}
}
