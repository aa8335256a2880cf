package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"pkt.systems/pslog"
)

// telegramMaxLen is Telegram's message limit in characters.
const telegramMaxLen = 4096

// botAPI is the part of *tgbotapi.BotAPI the bridge uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TelegramSink delivers segments as messages in one chat and edits them as
// they grow. Handles are "chatID:messageID".
type TelegramSink struct {
	bot     botAPI
	chatID  int64
	replyTo int // first message replies to the prompt
	replied bool
}

func NewTelegramSink(bot botAPI, chatID int64, replyTo int) *TelegramSink {
	return &TelegramSink{bot: bot, chatID: chatID, replyTo: replyTo}
}

func (t *TelegramSink) Create(ctx context.Context, text string) (Handle, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty message")
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if formatted, ok := telegramHTML(text); ok {
		msg.Text = formatted
		msg.ParseMode = tgbotapi.ModeHTML
	}
	if !t.replied && t.replyTo != 0 {
		msg.ReplyToMessageID = t.replyTo
	}

	sent, err := t.bot.Send(msg)
	if err != nil && msg.ParseMode != "" {
		// Rejected markup; the plain text still gets through.
		pslog.Ctx(ctx).Debug("html message rejected, sending plain", "err", err)
		msg.Text = text
		msg.ParseMode = ""
		sent, err = t.bot.Send(msg)
	}
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	t.replied = true
	return formatHandle(t.chatID, sent.MessageID), nil
}

func (t *TelegramSink) Update(ctx context.Context, h Handle, text string) error {
	chatID, messageID, err := parseHandle(h)
	if err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if formatted, ok := telegramHTML(text); ok {
		edit.Text = formatted
		edit.ParseMode = tgbotapi.ModeHTML
	}

	_, err = t.bot.Send(edit)
	if err != nil && edit.ParseMode != "" && !isNotModified(err) {
		pslog.Ctx(ctx).Debug("html edit rejected, sending plain", "err", err)
		edit.Text = text
		edit.ParseMode = ""
		_, err = t.bot.Send(edit)
	}
	if err != nil && !isNotModified(err) {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// telegramHTML formats text, reporting false when the result would exceed
// the message limit.
func telegramHTML(text string) (string, bool) {
	formatted := formatMarkdownToTelegramHTML(text)
	return formatted, utf8.RuneCountInString(formatted) <= telegramMaxLen
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func formatHandle(chatID int64, messageID int) Handle {
	return Handle(strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID))
}

func parseHandle(h Handle) (int64, int, error) {
	chat, msg, ok := strings.Cut(string(h), ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed handle %q", h)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed handle %q: %w", h, err)
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed handle %q: %w", h, err)
	}
	return chatID, messageID, nil
}

// Bridge is the Telegram command surface in front of a Relay.
type Bridge struct {
	bot     botAPI
	botName string
	config  *Config
	relay   *Relay
	mirror  Sink // optional, receives a copy of every delivery

	typingInterval time.Duration

	wg sync.WaitGroup
}

func NewBridge(bot botAPI, botName string, config *Config, relay *Relay, mirror Sink) *Bridge {
	return &Bridge{
		bot:            bot,
		botName:        botName,
		config:         config,
		relay:          relay,
		mirror:         mirror,
		typingInterval: 4 * time.Second,
	}
}

const helpText = "✅ Connected!\n\n" +
	"Send a message and it goes to the CLI; the answer comes back here.\n\n" +
	"/status → current target and running prompt\n" +
	"/sessions → list sessions\n" +
	"/session <name> [window] → switch target\n" +
	"/session_new <name> → create a session and start the CLI\n" +
	"/session_kill <name> → kill a session\n" +
	"/reset → restart the CLI\n" +
	"/cli_stop → quit the CLI"

// Run handles updates until ctx is done or the channel closes, then waits
// for running prompts to finish.
func (b *Bridge) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bridge) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil {
		return
	}
	log := pslog.Ctx(ctx)

	text, ok := b.addressedText(m)
	if !ok {
		return
	}
	if !b.config.isAllowed(m.From.ID) {
		log.Warn("unauthorized user", "user", m.From.UserName, "user_id", m.From.ID, "chat_id", m.Chat.ID)
		if m.Chat.IsPrivate() {
			b.reply(ctx, m.Chat.ID, "❌ Unauthorized")
		}
		return
	}

	if m.IsCommand() {
		b.handleCommand(ctx, m.Chat.ID, m.Command(), m.CommandArguments())
		return
	}

	log.Info("prompt received", "user", m.From.UserName, "chat_id", m.Chat.ID, "len", len(text))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.ask(ctx, m.Chat.ID, m.MessageID, text)
	}()
}

// addressedText returns the prompt text when the message is meant for the
// bot: private chats, the configured channel, or a mention in a group.
// Messages starting with "!" belong to other bots.
func (b *Bridge) addressedText(m *tgbotapi.Message) (string, bool) {
	text := strings.TrimSpace(m.Text)
	mention := ""
	if b.botName != "" {
		mention = "@" + b.botName
	}
	if !m.Chat.IsPrivate() && !m.IsCommand() && m.Chat.ID != b.config.Telegram.ChannelID {
		if mention == "" || !strings.Contains(text, mention) {
			return "", false
		}
	}
	if mention != "" && !m.IsCommand() {
		text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
	}
	if text == "" || strings.HasPrefix(text, "!") {
		return "", false
	}
	return text, true
}

func (b *Bridge) handleCommand(ctx context.Context, chatID int64, cmd, args string) {
	args = strings.TrimSpace(args)
	switch cmd {
	case "start", "help":
		b.reply(ctx, chatID, helpText)
	case "status":
		b.reply(ctx, chatID, b.statusText())
	case "sessions":
		out, err := b.relay.Sessions(ctx)
		if err != nil || out == "" {
			b.reply(ctx, chatID, "📋 No sessions")
			return
		}
		b.reply(ctx, chatID, "📋 Sessions\n\n"+out)
	case "session":
		t, err := parseSessionArgs(args)
		if err != nil {
			b.reply(ctx, chatID, "Usage: /session <name> [window]")
			return
		}
		if err := b.relay.SetTarget(ctx, t); err != nil {
			b.reply(ctx, chatID, "❌ "+userError(err))
			return
		}
		b.reply(ctx, chatID, "🎯 Target: "+t.String())
	case "session_new":
		if args == "" {
			b.reply(ctx, chatID, "Usage: /session_new <name>")
			return
		}
		t, err := b.relay.CreateSession(ctx, args)
		if err != nil {
			b.reply(ctx, chatID, "❌ "+userError(err))
			return
		}
		b.reply(ctx, chatID, "🆕 Session "+t.Session+" started, now targeting "+t.String())
	case "session_kill":
		if args == "" {
			b.reply(ctx, chatID, "Usage: /session_kill <name>")
			return
		}
		if err := b.relay.KillSession(ctx, args); err != nil {
			b.reply(ctx, chatID, "❌ "+userError(err))
			return
		}
		b.reply(ctx, chatID, "🗑 Session "+args+" killed")
	case "cli_stop":
		if err := b.relay.StopCLI(ctx); err != nil {
			b.reply(ctx, chatID, "❌ "+userError(err))
			return
		}
		b.reply(ctx, chatID, "🛑 Sent /quit to "+b.relay.Target().String())
	case "reset":
		b.reply(ctx, chatID, "🔄 Restarting CLI on "+b.relay.Target().String())
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.relay.Reset(ctx); err != nil {
				b.reply(ctx, chatID, "❌ "+userError(err))
				return
			}
			b.reply(ctx, chatID, "✅ CLI restarted")
		}()
	default:
		b.reply(ctx, chatID, "Unknown command. Try /help")
	}
}

// parseSessionArgs reads "<name> [window]" or "<name:window>".
func parseSessionArgs(args string) (Target, error) {
	fields := strings.Fields(args)
	switch len(fields) {
	case 1:
		return ParseTarget(fields[0])
	case 2:
		return ParseTarget(fields[0] + ":" + fields[1])
	default:
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownTarget, args)
	}
}

func userError(err error) string {
	switch {
	case errors.Is(err, ErrInteractionActive):
		return "A prompt is still running. Try again when it finishes or use /reset."
	case errors.Is(err, ErrSessionExists), errors.Is(err, ErrUnknownTarget):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}

func (b *Bridge) statusText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Status\n\nTarget: %s\nBackend: %s", b.relay.Target(), b.config.Backend)
	if info, ok := b.relay.Active(); ok {
		fmt.Fprintf(&sb, "\n\nRunning prompt (%s)\nTick: %d\nElapsed: %s",
			truncate(info.Input, 40), info.Tick, time.Since(info.StartedAt).Round(time.Second))
	} else {
		sb.WriteString("\n\nIdle")
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// ask relays one prompt, keeping the typing indicator alive until the
// interaction ends.
func (b *Bridge) ask(ctx context.Context, chatID int64, replyTo int, text string) {
	if _, busy := b.relay.Active(); busy {
		b.reply(ctx, chatID, "⏳ Another prompt is running; yours is queued.")
	}

	done := make(chan struct{})
	go b.keepTyping(chatID, done)
	defer close(done)

	sink := newTeeSink(NewTelegramSink(b.bot, chatID, replyTo), b.mirror)
	res, err := b.relay.Ask(ctx, text, sink)
	if err != nil {
		pslog.Ctx(ctx).Warn("ask failed", "chat_id", chatID, "err", err)
		if ctx.Err() == nil {
			b.reply(ctx, chatID, "❌ "+userError(err))
		}
		return
	}
	if res.Reason == StopTimeout {
		pslog.Ctx(ctx).Info("interaction hit the tick ceiling", "interaction", res.ID)
	}
}

func (b *Bridge) keepTyping(chatID int64, done <-chan struct{}) {
	ticker := time.NewTicker(b.typingInterval)
	defer ticker.Stop()
	for {
		_, _ = b.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (b *Bridge) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		pslog.Ctx(ctx).Warn("send reply failed", "chat_id", chatID, "err", err)
	}
}
