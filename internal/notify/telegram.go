// Package notify is the Telegram notification adapter: panic, health,
// and trade alerts plus the pause/resume control hooks the manager
// exposes over chat.
package notify

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Telegram sends alerts to one chat and listens for the pause/resume
// control commands. A nil *Telegram is a working no-op so callers can
// run without a token configured.
type Telegram struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	onPause  func()
	onResume func()
}

// New connects the bot API. Returns an error if the token is invalid;
// callers treat a missing token as "no notifications" and pass nil
// around instead.
func New(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("notify: telegram token and chat id required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: creating bot: %w", err)
	}
	return &Telegram{api: api, chatID: chatID}, nil
}

// SetControlCallbacks wires the /pause and /resume commands.
func (t *Telegram) SetControlCallbacks(onPause, onResume func()) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPause = onPause
	t.onResume = onResume
}

// Start begins the command loop.
func (t *Telegram) Start() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.mu.Unlock()
	go t.commandLoop()
	log.Info().Msg("notify: telegram started")
}

// Stop ends the command loop.
func (t *Telegram) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	t.api.StopReceivingUpdates()
}

// Notify implements runner.Notifier.
func (t *Telegram) Notify(level, message string) {
	if t == nil {
		return
	}
	prefix := "ℹ️"
	switch level {
	case "warning":
		prefix = "⚠️"
	case "error":
		prefix = "🚨"
	}
	t.send(prefix + " " + message)
}

// NotifyTrade reports a fill.
func (t *Telegram) NotifyTrade(symbol, side string, price, sizeUSDT decimal.Decimal) {
	if t == nil {
		return
	}
	t.send(fmt.Sprintf("💰 %s %s @ %s ($%s)", side, symbol, price.String(), sizeUSDT.StringFixed(2)))
}

// NotifyPanic reports the panic latch tripping. Wired as a
// PanicState.OnTrigger callback.
func (t *Telegram) NotifyPanic(reason string) {
	if t == nil {
		return
	}
	t.send("🚨 PANIC: all positions flattened, new orders blocked. Reason: " + reason)
}

func (t *Telegram) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)
	for {
		select {
		case <-t.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Chat.ID != t.chatID || !update.Message.IsCommand() {
				continue
			}
			switch update.Message.Command() {
			case "pause":
				t.mu.Lock()
				fn := t.onPause
				t.mu.Unlock()
				if fn != nil {
					fn()
					t.send("⏸️ Paused: entries suppressed, exits still active")
				}
			case "resume":
				t.mu.Lock()
				fn := t.onResume
				t.mu.Unlock()
				if fn != nil {
					fn()
					t.send("▶️ Resumed")
				}
			}
		}
	}
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("notify: telegram send failed")
	}
}
