package permissions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	guildID snowflake.ID = 100
	ownerID snowflake.ID = 1
	carol   snowflake.ID = 2
	dave    snowflake.ID = 3
	modRole snowflake.ID = 200
)

var roles = []RoleGrant{
	{ID: guildID, Permissions: ViewChannel | SendMessages | ReadMessageHistory},
	{ID: modRole, Permissions: ManageMessages},
}

func TestComputeBase(t *testing.T) {
	assert.Equal(t, All, ComputeBase(ownerID, ownerID, guildID, roles, nil))
	assert.Equal(t, ViewChannel|SendMessages|ReadMessageHistory, ComputeBase(carol, ownerID, guildID, roles, nil))
	assert.Equal(t, ViewChannel|SendMessages|ReadMessageHistory|ManageMessages,
		ComputeBase(dave, ownerID, guildID, roles, []snowflake.ID{modRole}))

	admin := append([]RoleGrant{{ID: 300, Permissions: Administrator}}, roles...)
	assert.Equal(t, All, ComputeBase(dave, ownerID, guildID, admin, []snowflake.ID{300}))
}

func TestApplyOverwrites(t *testing.T) {
	base := ComputeBase(carol, ownerID, guildID, roles, nil)

	tests := []struct {
		name       string
		user       snowflake.ID
		roles      []snowflake.ID
		overwrites []Overwrite
		required   Permissions
		expect     bool
	}{
		{"no overwrites", carol, nil, nil, ViewChannel | ReadMessageHistory, true},
		{"member deny", carol, nil, []Overwrite{{ID: carol, Type: OverwriteMember, Deny: ViewChannel}}, ViewChannel, false},
		{"everyone deny role allow", dave, []snowflake.ID{modRole}, []Overwrite{
			{ID: guildID, Type: OverwriteRole, Deny: ViewChannel},
			{ID: modRole, Type: OverwriteRole, Allow: ViewChannel},
		}, ViewChannel, true},
		{"role deny member allow", dave, []snowflake.ID{modRole}, []Overwrite{
			{ID: modRole, Type: OverwriteRole, Deny: SendMessages},
			{ID: dave, Type: OverwriteMember, Allow: SendMessages},
		}, SendMessages, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perms := ApplyOverwrites(base, tt.user, guildID, tt.roles, tt.overwrites)
			assert.Equal(t, tt.expect, perms.Has(tt.required), perms.String())
		})
	}
}

func TestPermissionsJSON(t *testing.T) {
	data, err := json.Marshal(ViewChannel | ReadMessageHistory)
	require.NoError(t, err)
	assert.Equal(t, `"66560"`, string(data))

	var p Permissions
	require.NoError(t, json.Unmarshal([]byte(`"1024"`), &p))
	assert.Equal(t, ViewChannel, p)
	require.NoError(t, json.Unmarshal([]byte(`2048`), &p))
	assert.Equal(t, SendMessages, p)
}
