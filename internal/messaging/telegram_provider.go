package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramProvider is the concrete Provider adapter used when no real
// messaging-vendor SDK is wired; the capability-typed port is what the rest
// of the engine depends on, and this is one possible implementation of it.
// It maps the SMS/Conversations vocabulary onto Telegram chats:
//   - a "contact" is a Telegram chat id (or @username) the greeting/ping/
//     closure bodies are sent to directly as private messages;
//   - a "conversation" is also a Telegram chat id; group chats created by
//     the operator for a handoff play the Conversations role;
//   - "participants" are the chat's administrators, since Telegram has no
//     generic membership-listing API for non-admin members.
//
// TelegramProvider embeds NotConfiguredBroker for TaskRouterBroker: Telegram
// has no TaskRouter-equivalent workload broker, so the flex pipeline always
// observes ErrNotConfigured against this adapter and no-ops, exactly as it
// would against a real deployment
// that never wired TaskRouter credentials.
type TelegramProvider struct {
	NotConfiguredBroker

	token  string
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramProvider creates a TelegramProvider. The bot client is lazily
// initialized on first use and lives for the process lifetime.
func NewTelegramProvider(token string, logger *slog.Logger) *TelegramProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramProvider{token: token, logger: logger}
}

func (p *TelegramProvider) client() (*tgbotapi.BotAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return nil, fmt.Errorf("telegram provider: %w", ErrNotConfigured)
	}
	if p.bot != nil {
		return p.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(p.token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	p.bot = bot
	p.logger.Info("telegram provider connected", "user", bot.Self.UserName)
	return bot, nil
}

// chatIDFromAddress parses a chat id out of an address string. Telegram chat
// ids are signed 64-bit integers; a non-numeric address (e.g. "@username")
// is passed through as a ChannelUsername recipient.
func chatIDFromAddress(addr string) (int64, string) {
	addr = strings.TrimSpace(addr)
	if id, err := strconv.ParseInt(addr, 10, 64); err == nil {
		return id, ""
	}
	return 0, addr
}

func (p *TelegramProvider) sendTo(bot *tgbotapi.BotAPI, addr, body string) error {
	chatID, username := chatIDFromAddress(addr)
	var msg tgbotapi.MessageConfig
	if username != "" {
		msg = tgbotapi.MessageConfig{
			BaseChat: tgbotapi.BaseChat{ChannelUsername: username},
			Text:     body,
		}
	} else {
		msg = tgbotapi.NewMessage(chatID, body)
	}
	_, err := bot.Send(msg)
	return err
}

// SendSMS sends the greeting/ping/closure body as a direct Telegram message
// to the contact.
func (p *TelegramProvider) SendSMS(ctx context.Context, toContact, body string) error {
	bot, err := p.client()
	if err != nil {
		return err
	}
	if err := p.sendTo(bot, toContact, body); err != nil {
		return fmt.Errorf("telegram send sms: %w", err)
	}
	return nil
}

// PostConversationMessage posts a message into the conversation's chat,
// attributed to author via a "[author] " prefix since Telegram bot messages
// cannot impersonate individual operator identities.
func (p *TelegramProvider) PostConversationMessage(ctx context.Context, conversationSid, body, author string) error {
	bot, err := p.client()
	if err != nil {
		return err
	}
	text := body
	if author != "" {
		text = fmt.Sprintf("[%s] %s", author, body)
	}
	if err := p.sendTo(bot, conversationSid, text); err != nil {
		return fmt.Errorf("telegram post conversation message: %w", err)
	}
	return nil
}

// ListConversationParticipants lists the chat's administrators as the
// available "participants": Telegram's bot API has no generic
// membership enumeration, so admins are the closest analogue to operators
// who could be attributed as the message author.
func (p *TelegramProvider) ListConversationParticipants(ctx context.Context, conversationSid string, limit int) ([]Participant, error) {
	bot, err := p.client()
	if err != nil {
		return nil, err
	}
	chatID, _ := chatIDFromAddress(conversationSid)
	if chatID == 0 {
		return nil, fmt.Errorf("telegram list participants: conversation sid %q is not a numeric chat id", conversationSid)
	}
	admins, err := bot.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram list participants: %w", err)
	}
	out := make([]Participant, 0, len(admins))
	for _, a := range admins {
		identity := a.User.UserName
		if identity == "" {
			identity = strconv.FormatInt(a.User.ID, 10)
		}
		out = append(out, Participant{Identity: identity})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CloseConversation has no Telegram equivalent of archiving a chat; this is
// a best-effort no-op that still lets the inactivity teardown sequence
// proceed.
func (p *TelegramProvider) CloseConversation(ctx context.Context, conversationSid string) error {
	if _, err := p.client(); err != nil {
		return err
	}
	return nil
}

// FetchWorker resolves a worker's display name via GetChatMember, treating
// workerSid as "<chatID>:<userID>" (the pairing the flex pipeline would
// otherwise get from a TaskRouter worker sid plus its home workspace chat).
func (p *TelegramProvider) FetchWorker(ctx context.Context, workerSid string) (Worker, error) {
	bot, err := p.client()
	if err != nil {
		return Worker{}, err
	}
	chatID, userID, ok := splitWorkerSid(workerSid)
	if !ok {
		return Worker{}, fmt.Errorf("telegram fetch worker: malformed worker sid %q", workerSid)
	}
	member, err := bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return Worker{}, fmt.Errorf("telegram fetch worker: %w", err)
	}
	name := strings.TrimSpace(member.User.FirstName + " " + member.User.LastName)
	if name == "" {
		name = member.User.UserName
	}
	return Worker{Sid: workerSid, FriendlyName: name}, nil
}

func splitWorkerSid(sid string) (chatID, userID int64, ok bool) {
	parts := strings.SplitN(sid, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	c, err1 := strconv.ParseInt(parts[0], 10, 64)
	u, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return c, u, true
}
