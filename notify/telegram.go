package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════
//
// Push-only alerts for trade lifecycle and breaker trips. Without a
// token the notifier is a silent no-op, so callers never nil-check.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier sends trading alerts to a Telegram chat.
type Notifier struct {
	api     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
}

// New creates a notifier. An empty token disables it without error.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram notifications disabled")
		return &Notifier{}, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier initialized")
	return &Notifier{api: api, chatID: chatID, enabled: true}, nil
}

// TradeOpened announces a new position.
func (n *Notifier) TradeOpened(p *types.Position) {
	tag := "LIVE"
	if p.Virtual {
		tag = "PAPER"
	}
	n.sendMarkdown(fmt.Sprintf(`✅ *POSITION OPENED* (%s)

📊 %s %s
💵 Entry: *%s¢*
📦 Shares: *%s*`,
		tag,
		p.Symbol, p.Side,
		p.EntryPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
		p.SizeShares.StringFixed(2),
	))
}

// TradeClosed announces a close with its PnL.
func (n *Notifier) TradeClosed(p *types.Position, pnl decimal.Decimal) {
	emoji := "📈"
	sign := "+"
	if pnl.IsNegative() {
		emoji = "📉"
		sign = ""
	}
	n.sendMarkdown(fmt.Sprintf(`%s *POSITION CLOSED*

📊 %s %s - %s
💵 Exit: *%s¢*
💰 P&L: *%s$%s*`,
		emoji,
		p.Symbol, p.Side, p.ExitReason,
		p.ExitPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
		sign, pnl.StringFixed(2),
	))
}

// BreakerTripped announces a halt.
func (n *Notifier) BreakerTripped(reason string) {
	n.sendMarkdown(fmt.Sprintf(`🚨 *CIRCUIT BREAKER TRIPPED*

Reason: *%s*
Trading halted until manual reset.`, reason))
}

// Startup announces the engine coming up.
func (n *Notifier) Startup(mode string, symbols []string) {
	n.sendMarkdown(fmt.Sprintf(`🚀 *ENGINE STARTED*

Mode: *%s*
Symbols: %v`, mode, symbols))
}

// ShutdownNotice announces a graceful stop.
func (n *Notifier) ShutdownNotice() {
	n.sendMarkdown("👋 *ENGINE STOPPED*")
}

func (n *Notifier) sendMarkdown(text string) {
	if !n.enabled {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
