package database

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

// Fixtures 内存仓储的初始数据, -memory 开发模式下从 JSON 文件加载.
// Tokens 为 令牌 -> 用户, 令牌原样作为 IDENTIFY 凭证
type Fixtures struct {
	Users    []repository.User                        `json:"users"`
	Settings map[snowflake.ID]repository.UserSettings `json:"settings"`
	Guilds   []repository.Guild                       `json:"guilds"`
	Members  []repository.Member                      `json:"members"`
	Channels []repository.Channel                     `json:"channels"`
	Friends  [][2]snowflake.ID                        `json:"friends"`
	Tokens   map[string]snowflake.ID                  `json:"tokens"`
}

func ReadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fixtures := &Fixtures{}
	if err := json.Unmarshal(data, fixtures); err != nil {
		return nil, fmt.Errorf("fail to parse fixtures %s: %w", path, err)
	}
	return fixtures, nil
}

// Load 写入内存仓储, 成员所属服务器与私信双方必须已在数据中出现
func (f *Fixtures) Load(ms *MemoryStore) error {
	guilds := make(snowflake.Set)
	for _, guild := range f.Guilds {
		ms.PutGuild(guild)
		guilds.Add(guild.ID)
	}
	users := make(snowflake.Set)
	for _, user := range f.Users {
		ms.PutUser(user)
		users.Add(user.ID)
	}
	for _, member := range f.Members {
		if !guilds.Has(member.GuildID) {
			return fmt.Errorf("member %s references unknown guild %s", member.User.ID, member.GuildID)
		}
		ms.PutMember(member)
		users.Add(member.User.ID)
	}
	for userID, settings := range f.Settings {
		settings.UserID = userID
		ms.PutSettings(settings)
	}
	for _, channel := range f.Channels {
		if channel.GuildID != 0 && !guilds.Has(channel.GuildID) {
			return fmt.Errorf("channel %s references unknown guild %s", channel.ID, channel.GuildID)
		}
		ms.PutChannel(channel)
	}
	for _, pair := range f.Friends {
		if !users.Has(pair[0]) || !users.Has(pair[1]) {
			return fmt.Errorf("friendship %s-%s references unknown user", pair[0], pair[1])
		}
		ms.AddFriend(pair[0], pair[1])
	}
	for token, userID := range f.Tokens {
		if !users.Has(userID) {
			return fmt.Errorf("token references unknown user %s", userID)
		}
		ms.PutToken(token, userID)
	}
	logger.InfoF("Loaded fixtures: %d users, %d guilds, %d members, %d channels, %d tokens",
		len(users), len(f.Guilds), len(f.Members), len(f.Channels), len(f.Tokens))
	return nil
}

// NewMemoryStoreFromFile path 为空时返回空仓储
func NewMemoryStoreFromFile(signer *auth.Signer, path string) (*MemoryStore, error) {
	ms := NewMemoryStore(signer)
	if path == "" {
		logger.Warn("No fixtures given, the in-memory repository starts empty")
		return ms, nil
	}
	fixtures, err := ReadFixtures(path)
	if err != nil {
		return nil, err
	}
	if err := fixtures.Load(ms); err != nil {
		return nil, err
	}
	return ms, nil
}
