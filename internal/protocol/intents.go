package protocol

// Intent 客户端在 IDENTIFY 中声明的事件订阅位
type Intent uint64

const (
	IntentGuilds Intent = 1 << iota
	IntentGuildMembers
	IntentGuildModeration
	IntentGuildEmojis
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
)

// IntentsAll 未声明 intents 时的默认值
const IntentsAll Intent = 1<<16 - 1

// Has reports whether every bit of required is set. A zero requirement always passes.
func (i Intent) Has(required Intent) bool {
	return i&required == required
}

type intentPair struct {
	guild  Intent
	direct Intent
}

var eventIntents = map[string]intentPair{
	"GUILD_CREATE":                  {IntentGuilds, 0},
	"GUILD_UPDATE":                  {IntentGuilds, 0},
	"GUILD_DELETE":                  {IntentGuilds, 0},
	"GUILD_ROLE_CREATE":             {IntentGuilds, 0},
	"GUILD_ROLE_UPDATE":             {IntentGuilds, 0},
	"GUILD_ROLE_DELETE":             {IntentGuilds, 0},
	"CHANNEL_CREATE":                {IntentGuilds, 0},
	"CHANNEL_UPDATE":                {IntentGuilds, 0},
	"CHANNEL_DELETE":                {IntentGuilds, 0},
	"CHANNEL_PINS_UPDATE":           {IntentGuilds, IntentDirectMessages},
	"THREAD_CREATE":                 {IntentGuilds, 0},
	"THREAD_UPDATE":                 {IntentGuilds, 0},
	"THREAD_DELETE":                 {IntentGuilds, 0},
	"GUILD_MEMBER_ADD":              {IntentGuildMembers, 0},
	"GUILD_MEMBER_UPDATE":           {IntentGuildMembers, 0},
	"GUILD_MEMBER_REMOVE":           {IntentGuildMembers, 0},
	"GUILD_BAN_ADD":                 {IntentGuildModeration, 0},
	"GUILD_BAN_REMOVE":              {IntentGuildModeration, 0},
	"GUILD_AUDIT_LOG_ENTRY_CREATE":  {IntentGuildModeration, 0},
	"GUILD_EMOJIS_UPDATE":           {IntentGuildEmojis, 0},
	"GUILD_STICKERS_UPDATE":         {IntentGuildEmojis, 0},
	"GUILD_INTEGRATIONS_UPDATE":     {IntentGuildIntegrations, 0},
	"WEBHOOKS_UPDATE":               {IntentGuildWebhooks, 0},
	"INVITE_CREATE":                 {IntentGuildInvites, 0},
	"INVITE_DELETE":                 {IntentGuildInvites, 0},
	"VOICE_STATE_UPDATE":            {IntentGuildVoiceStates, 0},
	"PRESENCE_UPDATE":               {IntentGuildPresences, 0},
	"MESSAGE_CREATE":                {IntentGuildMessages, IntentDirectMessages},
	"MESSAGE_UPDATE":                {IntentGuildMessages, IntentDirectMessages},
	"MESSAGE_DELETE":                {IntentGuildMessages, IntentDirectMessages},
	"MESSAGE_DELETE_BULK":           {IntentGuildMessages, 0},
	"MESSAGE_REACTION_ADD":          {IntentGuildMessageReactions, IntentDirectMessageReactions},
	"MESSAGE_REACTION_REMOVE":       {IntentGuildMessageReactions, IntentDirectMessageReactions},
	"MESSAGE_REACTION_REMOVE_ALL":   {IntentGuildMessageReactions, IntentDirectMessageReactions},
	"MESSAGE_REACTION_REMOVE_EMOJI": {IntentGuildMessageReactions, IntentDirectMessageReactions},
	"TYPING_START":                  {IntentGuildMessageTyping, IntentDirectMessageTyping},
}

// IntentFor 返回事件所属的 intent 位, 0 表示总是投递
func IntentFor(eventType string, inGuild bool) Intent {
	pair, ok := eventIntents[eventType]
	if !ok {
		return 0
	}
	if inGuild {
		return pair.guild
	}
	return pair.direct
}
