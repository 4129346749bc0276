package database

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

func newMockStore(mt *mtest.T, opts StoreOptions) *DBStore {
	return NewDatabaseStore(mt.DB, newSigner(mt.T), opts)
}

func cursor(ns string, docs ...bson.D) bson.D {
	return mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, docs...)
}

func TestDBStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get user", func(mt *mtest.T) {
		ds := newMockStore(mt, StoreOptions{})
		mt.AddMockResponses(cursor("test.users", bson.D{
			{Key: "_id", Value: int64(alice)},
			{Key: "username", Value: "alice"},
			{Key: "discriminator", Value: "0001"},
		}))
		user, err := ds.GetUser(context.Background(), alice)
		require.NoError(mt, err)
		assert.Equal(mt, alice, user.ID)
		assert.Equal(mt, "alice", user.Username)
	})

	mt.Run("missing user", func(mt *mtest.T) {
		ds := newMockStore(mt, StoreOptions{})
		mt.AddMockResponses(cursor("test.users"))
		_, err := ds.GetUser(context.Background(), alice)
		assert.True(mt, repository.IsNotFound(err))
		assert.Equal(mt, gobreaker.StateClosed, ds.BreakerState())
	})

	mt.Run("guild cached", func(mt *mtest.T) {
		ds := newMockStore(mt, StoreOptions{CacheTTL: time.Minute})
		mt.AddMockResponses(cursor("test.guilds", bson.D{
			{Key: "_id", Value: int64(guildID)},
			{Key: "name", Value: "guild"},
			{Key: "owner_id", Value: int64(alice)},
		}))
		for i := 0; i < 2; i++ {
			guild, err := ds.GetGuild(context.Background(), guildID)
			require.NoError(mt, err)
			assert.Equal(mt, alice, guild.OwnerID)
		}

		ds.InvalidateGuild(guildID)
		_, err := ds.GetGuild(context.Background(), guildID)
		assert.True(mt, repository.IsTransient(err), "no mock response left, expected a driver error")
	})

	mt.Run("dm recipients", func(mt *mtest.T) {
		ds := newMockStore(mt, StoreOptions{})
		mt.AddMockResponses(cursor("test.channels", bson.D{
			{Key: "_id", Value: int64(dmID)},
			{Key: "type", Value: int32(repository.ChannelDM)},
			{Key: "recipients", Value: bson.A{int64(bob), int64(eve)}},
		}))
		ids, err := ds.ChannelRecipientIDs(context.Background(), dmID)
		require.NoError(mt, err)
		assert.Equal(mt, []snowflake.ID{bob, eve}, ids)
	})

	mt.Run("friend ids", func(mt *mtest.T) {
		ds := newMockStore(mt, StoreOptions{})
		mt.AddMockResponses(cursor("test.relationships",
			bson.D{{Key: "user_id", Value: int64(alice)}, {Key: "peer_id", Value: int64(bob)}, {Key: "type", Value: int32(RelationshipFriend)}},
			bson.D{{Key: "user_id", Value: int64(alice)}, {Key: "peer_id", Value: int64(dave)}, {Key: "type", Value: int32(RelationshipFriend)}},
		))
		ids, err := ds.FriendIDs(context.Background(), alice)
		require.NoError(mt, err)
		assert.Equal(mt, []snowflake.ID{bob, dave}, ids)
	})

	mt.Run("validate session", func(mt *mtest.T) {
		ds := newMockStore(mt, StoreOptions{})
		token, err := newSigner(mt.T).Sign(bob, "sid-1")
		require.NoError(mt, err)
		mt.AddMockResponses(cursor("test.auth_sessions", bson.D{
			{Key: "_id", Value: "sid-1"},
			{Key: "user_id", Value: int64(bob)},
			{Key: "created_at", Value: time.Now()},
		}))
		uid, err := ds.ValidateSession(context.Background(), token)
		require.NoError(mt, err)
		assert.Equal(mt, bob, uid)
	})

	mt.Run("create auth session", func(mt *mtest.T) {
		ds := newMockStore(mt, StoreOptions{})
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		sid, err := ds.CreateAuthSession(context.Background(), bob)
		require.NoError(mt, err)
		assert.NotEmpty(mt, sid)
	})

	mt.Run("breaker opens", func(mt *mtest.T) {
		ds := newMockStore(mt, StoreOptions{FailureThreshold: 2, OpenTimeout: time.Minute})
		failure := mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 91, Name: "ShutdownInProgress", Message: "shutting down"})
		mt.AddMockResponses(failure, failure)

		for i := 0; i < 2; i++ {
			_, err := ds.GetUser(context.Background(), alice)
			assert.True(mt, repository.IsTransient(err))
		}
		assert.Equal(mt, gobreaker.StateOpen, ds.BreakerState())

		_, err := ds.GetUser(context.Background(), alice)
		require.Error(mt, err)
		assert.True(mt, repository.IsTransient(err))
		assert.Contains(mt, err.Error(), gobreaker.ErrOpenState.Error())
	})
}
