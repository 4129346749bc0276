package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

type StoreOptions struct {
	OperationTimeout time.Duration
	CacheSize        int
	CacheTTL         time.Duration
	// FailureThreshold 连续失败多少次后熔断
	FailureThreshold uint32
	// OpenTimeout 熔断后多久进入半开状态
	OpenTimeout time.Duration
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 5 * time.Second
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 4096
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 30 * time.Second
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	return o
}

// DBStore MongoDB 实现, 读路径经过熔断器, 热点数据缓存在 LRU 中
type DBStore struct {
	db      *mongo.Database
	signer  *auth.Signer
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	cache   *expirable.LRU[string, any]
}

func NewDatabaseStore(db *mongo.Database, signer *auth.Signer, opts StoreOptions) *DBStore {
	opts = opts.withDefaults()
	return &DBStore{
		db:      db,
		signer:  signer,
		timeout: opts.OperationTimeout,
		cache:   expirable.NewLRU[string, any](opts.CacheSize, nil, opts.CacheTTL),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "repository",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WarnF("Circuit breaker %s changed from %s to %s", name, from, to)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || repository.IsNotFound(err)
			},
		}),
	}
}

func (ds *DBStore) collection(name string) *mongo.Collection {
	return ds.db.Collection(name)
}

// run 在超时与熔断保护下执行一次查询, 驱动错误统一映射为 ErrTransient
func run[T any](ctx context.Context, ds *DBStore, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	startTime := time.Now()
	result, err := ds.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	logger.DebugF("%s query cost: %v", op, time.Since(startTime))

	if err != nil {
		if repository.IsNotFound(err) {
			return zero, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logger.WarnF("%s rejected by circuit breaker", op)
		}
		return zero, repository.Transient(op, err)
	}
	value, _ := result.(T)
	return value, nil
}

// cached 先查 LRU, 未命中时执行查询并写回
func cached[T any](ctx context.Context, ds *DBStore, key, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := ds.cache.Get(key); ok {
		if value, ok := v.(T); ok {
			return value, nil
		}
	}
	value, err := run(ctx, ds, op, fn)
	if err != nil {
		return value, err
	}
	ds.cache.Add(key, value)
	return value, nil
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, kind string, id any) (*T, error) {
	var doc T
	err := coll.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.NotFound(kind, id)
		}
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	return &doc, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, opts ...*options.FindOptions) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	var docs []T
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	return docs, nil
}

func (ds *DBStore) ValidateSession(ctx context.Context, token string) (snowflake.ID, error) {
	return validateToken(ctx, ds.signer, token, func(ctx context.Context, sessionID string) (*AuthSession, error) {
		return run(ctx, ds, "auth session", func(ctx context.Context) (*AuthSession, error) {
			return findOne[AuthSession](ctx, ds.collection(AuthSessionCollectionName), bson.D{{Key: "_id", Value: sessionID}}, "session", sessionID)
		})
	})
}

func (ds *DBStore) CreateAuthSession(ctx context.Context, userID snowflake.ID) (string, error) {
	session := NewAuthSession(userID)
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()
	if _, err := ds.collection(AuthSessionCollectionName).InsertOne(ctx, session); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("unique key conflicts: %w", err)
		}
		return "", repository.Transient("create auth session", err)
	}
	logger.InfoF("Auth session created: user_id=%s, session_id=%s", userID, session.ID)
	return session.ID, nil
}

func (ds *DBStore) GetUser(ctx context.Context, userID snowflake.ID) (*repository.User, error) {
	return run(ctx, ds, "user", func(ctx context.Context) (*repository.User, error) {
		return findOne[repository.User](ctx, ds.collection(UserCollectionName), bson.D{{Key: "_id", Value: userID}}, "user", userID)
	})
}

func (ds *DBStore) GetUserSettings(ctx context.Context, userID snowflake.ID) (*repository.UserSettings, error) {
	return run(ctx, ds, "user settings", func(ctx context.Context) (*repository.UserSettings, error) {
		return findOne[repository.UserSettings](ctx, ds.collection(SettingsCollectionName), bson.D{{Key: "_id", Value: userID}}, "settings", userID)
	})
}

func (ds *DBStore) FriendIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	return run(ctx, ds, "friends", func(ctx context.Context) ([]snowflake.ID, error) {
		rels, err := findAll[Relationship](ctx, ds.collection(RelationshipCollectionName),
			bson.D{{Key: "user_id", Value: userID}, {Key: "type", Value: RelationshipFriend}})
		if err != nil {
			return nil, err
		}
		ids := make([]snowflake.ID, 0, len(rels))
		for _, r := range rels {
			ids = append(ids, r.PeerID)
		}
		return ids, nil
	})
}

func (ds *DBStore) UserGuildIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	return run(ctx, ds, "user guilds", func(ctx context.Context) ([]snowflake.ID, error) {
		members, err := findAll[repository.Member](ctx, ds.collection(MemberCollectionName),
			bson.D{{Key: "user._id", Value: userID}},
			options.Find().SetProjection(bson.D{{Key: "guild_id", Value: 1}}))
		if err != nil {
			return nil, err
		}
		ids := make([]snowflake.ID, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.GuildID)
		}
		return ids, nil
	})
}

func (ds *DBStore) GetGuild(ctx context.Context, guildID snowflake.ID) (*repository.Guild, error) {
	return cached(ctx, ds, "guild:"+guildID.String(), "guild", func(ctx context.Context) (*repository.Guild, error) {
		return findOne[repository.Guild](ctx, ds.collection(GuildCollectionName), bson.D{{Key: "_id", Value: guildID}}, "guild", guildID)
	})
}

func (ds *DBStore) GuildMemberIDs(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
	return cached(ctx, ds, "members:"+guildID.String(), "guild member ids", func(ctx context.Context) ([]snowflake.ID, error) {
		members, err := findAll[repository.Member](ctx, ds.collection(MemberCollectionName),
			bson.D{{Key: "guild_id", Value: guildID}},
			options.Find().SetProjection(bson.D{{Key: "user._id", Value: 1}}))
		if err != nil {
			return nil, err
		}
		ids := make([]snowflake.ID, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.User.ID)
		}
		return ids, nil
	})
}

func (ds *DBStore) GuildMembers(ctx context.Context, guildID snowflake.ID) ([]repository.Member, error) {
	return run(ctx, ds, "guild members", func(ctx context.Context) ([]repository.Member, error) {
		return findAll[repository.Member](ctx, ds.collection(MemberCollectionName),
			bson.D{{Key: "guild_id", Value: guildID}})
	})
}

func (ds *DBStore) SearchGuildMembers(ctx context.Context, guildID snowflake.ID, prefix string, limit int) ([]repository.Member, error) {
	filter := bson.D{{Key: "guild_id", Value: guildID}}
	if prefix != "" {
		pattern := primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix), Options: "i"}
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "user.username", Value: pattern}},
			bson.D{{Key: "nick", Value: pattern}},
		}})
	}
	return run(ctx, ds, "search guild members", func(ctx context.Context) ([]repository.Member, error) {
		return findAll[repository.Member](ctx, ds.collection(MemberCollectionName), filter,
			options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "user.username", Value: 1}}))
	})
}

func (ds *DBStore) channel(ctx context.Context, channelID snowflake.ID) (*repository.Channel, error) {
	return cached(ctx, ds, "channel:"+channelID.String(), "channel", func(ctx context.Context) (*repository.Channel, error) {
		return findOne[repository.Channel](ctx, ds.collection(ChannelCollectionName), bson.D{{Key: "_id", Value: channelID}}, "channel", channelID)
	})
}

func (ds *DBStore) member(ctx context.Context, guildID, userID snowflake.ID) (*repository.Member, error) {
	key := "member:" + guildID.String() + ":" + userID.String()
	return cached(ctx, ds, key, "member", func(ctx context.Context) (*repository.Member, error) {
		return findOne[repository.Member](ctx, ds.collection(MemberCollectionName),
			bson.D{{Key: "guild_id", Value: guildID}, {Key: "user._id", Value: userID}}, "member", userID)
	})
}

func (ds *DBStore) ChannelRecipientIDs(ctx context.Context, channelID snowflake.ID) ([]snowflake.ID, error) {
	ch, err := ds.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.IsPrivate() {
		return ch.Recipients, nil
	}
	return ds.GuildMemberIDs(ctx, ch.GuildID)
}

func (ds *DBStore) RelatedUserIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	friends, err := ds.FriendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	groups := [][]snowflake.ID{friends}

	guildIDs, err := ds.UserGuildIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, guildID := range guildIDs {
		ids, err := ds.GuildMemberIDs(ctx, guildID)
		if err != nil {
			return nil, err
		}
		groups = append(groups, ids)
	}

	dms, err := run(ctx, ds, "dm channels", func(ctx context.Context) ([]repository.Channel, error) {
		return findAll[repository.Channel](ctx, ds.collection(ChannelCollectionName),
			bson.D{{Key: "recipients", Value: userID}})
	})
	if err != nil {
		return nil, err
	}
	for _, ch := range dms {
		groups = append(groups, ch.Recipients)
	}
	return relatedSet(userID, groups...), nil
}

func (ds *DBStore) EffectivePermissions(ctx context.Context, userID, channelID snowflake.ID) (permissions.Permissions, error) {
	ch, err := ds.channel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if ch.IsPrivate() {
		return channelPermissions(userID, ch, nil, nil), nil
	}
	guild, err := ds.GetGuild(ctx, ch.GuildID)
	if err != nil {
		return 0, err
	}
	member, err := ds.member(ctx, ch.GuildID, userID)
	if repository.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return channelPermissions(userID, ch, guild, member), nil
}

func (ds *DBStore) GuildPermissions(ctx context.Context, userID, guildID snowflake.ID) (permissions.Permissions, error) {
	guild, err := ds.GetGuild(ctx, guildID)
	if err != nil {
		return 0, err
	}
	member, err := ds.member(ctx, guildID, userID)
	if repository.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return guildPermissions(userID, guild, member), nil
}

// InvalidateGuild 丢弃与服务器相关的缓存, 成员或角色变更事件到达时调用
func (ds *DBStore) InvalidateGuild(guildID snowflake.ID) {
	ds.cache.Remove("guild:" + guildID.String())
	ds.cache.Remove("members:" + guildID.String())
	prefix := "member:" + guildID.String() + ":"
	for _, key := range ds.cache.Keys() {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			ds.cache.Remove(key)
		}
	}
}

func (ds *DBStore) InvalidateChannel(channelID snowflake.ID) {
	ds.cache.Remove("channel:" + channelID.String())
}

// BreakerState 用于健康检查
func (ds *DBStore) BreakerState() gobreaker.State {
	return ds.breaker.State()
}
