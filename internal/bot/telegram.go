package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/lexrelay/internal/models"
	"github.com/xaenox/lexrelay/internal/storage"
	"go.uber.org/zap"
)

const (
	historyLimit = 5
	// maxMessageLen is Telegram's limit in UTF-16 code units.
	maxMessageLen = 4096
	// historyPreviewLen bounds each /history entry so the escaped listing
	// stays within one message.
	historyPreviewLen = 300
)

// QuickReplies are offered under every synchronous reply.
var QuickReplies = []string{"開始新對話", "繼續對話", "我想要搜尋資料庫"}

// ReplyToken encodes the chat and message a synchronous reply answers.
func ReplyToken(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func parseReplyToken(token string) (chatID int64, messageID int, err error) {
	chat, msg, ok := strings.Cut(token, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed reply token %q", token)
	}
	if chatID, err = strconv.ParseInt(chat, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed reply token %q: %w", token, err)
	}
	if messageID, err = strconv.Atoi(msg); err != nil {
		return 0, 0, fmt.Errorf("malformed reply token %q: %w", token, err)
	}
	return chatID, messageID, nil
}

// TelegramMessenger implements Messenger on the Telegram Bot API. User ids
// are chat ids, which coincide for private chats.
type TelegramMessenger struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

func NewTelegramMessenger(api *tgbotapi.BotAPI, logger *zap.Logger) *TelegramMessenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramMessenger{api: api, logger: logger}
}

func quickReplyKeyboard() tgbotapi.ReplyKeyboardMarkup {
	row := make([]tgbotapi.KeyboardButton, 0, len(QuickReplies))
	for _, label := range QuickReplies {
		row = append(row, tgbotapi.NewKeyboardButton(label))
	}
	kb := tgbotapi.NewReplyKeyboard(row)
	kb.ResizeKeyboard = true
	return kb
}

// Reply answers the message behind replyToken. Long texts are sent as
// several messages; the first quotes the original and the last carries the
// quick-reply keyboard.
func (m *TelegramMessenger) Reply(ctx context.Context, replyToken, text string) error {
	chatID, messageID, err := parseReplyToken(replyToken)
	if err != nil {
		return err
	}

	chunks := splitMessage(text, maxMessageLen)
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = messageID
		}
		if i == len(chunks)-1 {
			msg.ReplyMarkup = quickReplyKeyboard()
		}
		if _, err := m.api.Send(msg); err != nil {
			return fmt.Errorf("failed to send reply part %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (m *TelegramMessenger) Push(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram user id %q: %w", userID, err)
	}
	chunks := splitMessage(text, maxMessageLen)
	for i, chunk := range chunks {
		if _, err := m.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("failed to push message part %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// splitMessage cuts text into pieces of at most limit UTF-16 code units,
// breaking after a newline when one falls in the second half of a piece.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for utf16Len(text) > limit {
		cut, units, lastNewline := 0, 0, 0
		for i, r := range text {
			n := 1
			if r >= 0x10000 {
				n = 2
			}
			if units+n > limit {
				cut = i
				break
			}
			units += n
			if r == '\n' {
				lastNewline = i + 1
			}
		}
		if lastNewline > cut/2 {
			cut = lastNewline
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" || len(chunks) == 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

func utf16Len(text string) int {
	n := 0
	for _, r := range text {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// preview shortens text to at most n runes.
func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "…"
}

func (m *TelegramMessenger) sendMarkdown(chatID int64, replyToID int, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	msg.ReplyToMessageID = replyToID
	_, err := m.api.Send(msg)
	return err
}

// Bot long-polls Telegram and feeds text messages to the orchestrator.
type Bot struct {
	api          *tgbotapi.BotAPI
	messenger    *TelegramMessenger
	orchestrator *Orchestrator
	storage      storage.Storage
	logger       *zap.Logger
	handlers     sync.WaitGroup
}

// NewTelegramAPI connects to the Bot API. An empty endpoint uses Telegram's.
func NewTelegramAPI(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return api, nil
}

func New(api *tgbotapi.BotAPI, messenger *TelegramMessenger, orchestrator *Orchestrator, storage storage.Storage, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		api:          api,
		messenger:    messenger,
		orchestrator: orchestrator,
		storage:      storage,
		logger:       logger,
	}
}

// Start polls for updates until ctx is cancelled, then waits for in-progress
// handlers. Background search pipelines are not waited for here.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.handlers.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				b.handlers.Wait()
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handlers.Add(1)
			go func(message *tgbotapi.Message) {
				defer b.handlers.Done()
				b.handleMessage(ctx, message)
			}(update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	if strings.TrimSpace(message.Text) == "" {
		b.logger.Debug("Ignoring non-text message", zap.Int64("chat_id", message.Chat.ID))
		return
	}

	b.orchestrator.Handle(ctx, eventFromMessage(message, message.Text))
}

func eventFromMessage(message *tgbotapi.Message, text string) models.Event {
	return models.Event{
		UserID:     strconv.FormatInt(message.Chat.ID, 10),
		Text:       text,
		ReplyToken: ReplyToken(message.Chat.ID, message.MessageID),
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(ctx, message)
	case "new":
		b.orchestrator.Handle(ctx, eventFromMessage(message, b.orchestrator.texts.ResetCommand))
	case "history":
		b.handleHistory(ctx, message)
	case "status":
		b.handleStatus(ctx, message)
	default:
		b.reply(ctx, message, "未知的指令，請輸入 /help 查看可用指令。")
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	welcome := `歡迎使用法律AI智能助理！⚖️
請直接輸入您的法律問題，我會根據對話內容回答，必要時會搜尋資料庫。

輸入「開始新對話」可以清除先前的對話內容。
輸入 /help 查看所有指令。`

	b.reply(ctx, message, welcome)
}

func (b *Bot) handleHelp(ctx context.Context, message *tgbotapi.Message) {
	help := `可用指令：
/start - 顯示歡迎訊息
/help - 顯示此說明
/new - 開始新對話
/history - 顯示最近的對話紀錄
/status - 顯示目前對話的狀態

對話閒置超過 30 分鐘會自動重新開始。`

	b.reply(ctx, message, help)
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	userID := strconv.FormatInt(message.Chat.ID, 10)
	messages, err := b.storage.GetUserMessages(ctx, userID, historyLimit, 0)
	if err != nil {
		b.logger.Error("Failed to get user messages",
			zap.Error(err),
			zap.String("user_id", userID))
		b.reply(ctx, message, "抱歉，無法取得您的對話紀錄。")
		return
	}

	if len(messages) == 0 {
		b.reply(ctx, message, "目前沒有任何對話紀錄。")
		return
	}

	response := "*最近的對話紀錄：*\n\n"
	// Stored newest first; show oldest first.
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		response += fmt.Sprintf("*%s*\n%s\n\n", escapeMarkdown(string(msg.Role)), escapeMarkdown(preview(msg.Content, historyPreviewLen)))
	}

	if err := b.messenger.sendMarkdown(message.Chat.ID, message.MessageID, response); err != nil {
		b.logger.Error("Failed to send history message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

// handleStatus reports the live session without refreshing its idle timer.
func (b *Bot) handleStatus(ctx context.Context, message *tgbotapi.Message) {
	history, ok := b.orchestrator.sessions.Snapshot(strconv.FormatInt(message.Chat.ID, 10))
	if !ok {
		b.reply(ctx, message, "目前沒有進行中的對話。")
		return
	}
	// history[0] is the system prompt.
	b.reply(ctx, message, fmt.Sprintf("目前對話共有 %d 則訊息。", len(history)-1))
}

func (b *Bot) reply(ctx context.Context, message *tgbotapi.Message, text string) {
	if err := b.messenger.Reply(ctx, ReplyToken(message.Chat.ID, message.MessageID), text); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
