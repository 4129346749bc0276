// Package database 提供 repository 的 MongoDB 与内存实现
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-chat-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/utils"
)

type DBCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func NewDBCloseCallback(client *mongo.Client, timeout time.Duration) *DBCloseCallback {
	return &DBCloseCallback{client: client, timeout: timeout}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

var indexes = map[string][]mongo.IndexModel{
	MemberCollectionName: {
		{
			Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "user._id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("members_guild_user_unique"),
		},
		{
			Keys:    bson.D{{Key: "user._id", Value: 1}},
			Options: options.Index().SetName("members_user"),
		},
	},
	ChannelCollectionName: {
		{
			Keys:    bson.D{{Key: "recipients", Value: 1}},
			Options: options.Index().SetName("channels_recipients"),
		},
	},
	RelationshipCollectionName: {
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "peer_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("relationships_pair_unique"),
		},
	},
	AuthSessionCollectionName: {
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetName("auth_sessions_user"),
		},
	},
}

// ConnectDatabase 建立 MongoDB 连接并确保索引存在, 返回的回调在退出时断开连接
func ConnectDatabase(config c.Config) (*mongo.Database, *DBCloseCallback, error) {
	logger.DebugF("Connecting to database...")

	operationTimeout := utils.ParseStringTimeOr(config.Database.OperationTimeout, 5*time.Second)

	clientOptions := options.Client().ApplyURI(config.Database.ConnectString).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(config.Database.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(config.Database.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(config.Database.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(config.Database.Heartbeat, 10*time.Second))
	if config.Database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s #%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s #%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(config.Database.Database)
	for _, name := range collectionsList {
		models, ok := indexes[name]
		if !ok {
			continue
		}
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("error occured while creating %s indexes: %w", name, err)
		}
	}

	logger.InfoF("Connected to database %s", config.Database.Database)
	return db, NewDBCloseCallback(client, operationTimeout), nil
}

// StoreOptionsFrom 从配置中读取仓储的超时与缓存参数
func StoreOptionsFrom(config c.Config) StoreOptions {
	return StoreOptions{
		OperationTimeout: utils.ParseStringTimeOr(config.Database.OperationTimeout, 5*time.Second),
		CacheSize:        config.Database.CacheSize,
		CacheTTL:         utils.ParseStringTimeOr(config.Database.CacheTTL, 30*time.Second),
	}
}
