package discord

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

type fakeSession struct {
	mu sync.Mutex

	handlers []interface{}
	opened   bool
	closed   bool
	openErr  error

	permissions    map[string]int64
	permissionsErr error

	sent      []*discordgo.MessageSend
	sentTo    []string
	sendErr   error
	deleted   []string
	deleteErr error
	dmChannel string

	webhooks     []*discordgo.Webhook
	listErr      error
	createdNames []string
	createErr    error
	executed     []*discordgo.WebhookParams
	executedIDs  []string
	executeErr   error
}

var _ Session = (*fakeSession)(nil)

func (f *fakeSession) AddHandler(handler interface{}) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
	index := len(f.handlers) - 1

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[index] = nil
	}
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true

	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func (f *fakeSession) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.opened
}

// emit delivers a gateway payload to every live handler accepting its type.
func (f *fakeSession) emit(payload interface{}) {
	f.mu.Lock()
	handlers := append([]interface{}(nil), f.handlers...)
	f.mu.Unlock()

	for _, handler := range handlers {
		switch typed := handler.(type) {
		case func(*discordgo.Session, *discordgo.Ready):
			if ready, ok := payload.(*discordgo.Ready); ok {
				typed(nil, ready)
			}
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if created, ok := payload.(*discordgo.MessageCreate); ok {
				typed(nil, created)
			}
		case func(*discordgo.Session, *discordgo.MessageUpdate):
			if updated, ok := payload.(*discordgo.MessageUpdate); ok {
				typed(nil, updated)
			}
		}
	}
}

func (f *fakeSession) UserChannelPermissions(
	userID, channelID string,
	_ ...discordgo.RequestOption,
) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permissionsErr != nil {
		return 0, f.permissionsErr
	}

	return f.permissions[userID+"/"+channelID], nil
}

func (f *fakeSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, data)
	f.sentTo = append(f.sentTo, channelID)

	return &discordgo.Message{ID: "sent-1", ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, channelID+"/"+messageID)

	return nil
}

func (f *fakeSession) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: f.dmChannel, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeSession) ChannelWebhooks(channelID string, _ ...discordgo.RequestOption) ([]*discordgo.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	return f.webhooks, nil
}

func (f *fakeSession) WebhookCreate(
	channelID, name, _ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createdNames = append(f.createdNames, name)

	return &discordgo.Webhook{ID: "wh-new", Token: "tok-new", Name: name, ChannelID: channelID}, nil
}

func (f *fakeSession) WebhookExecute(
	webhookID, _ string,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	f.executed = append(f.executed, data)
	f.executedIDs = append(f.executedIDs, webhookID)

	return &discordgo.Message{ID: "proxied-1"}, nil
}
