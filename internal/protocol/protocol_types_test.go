package protocol

import "testing"

func TestOpCodeString(t *testing.T) {
	tests := []struct {
		op     OpCode
		expect string
	}{
		{OpDispatch, "DISPATCH"},
		{OpHello, "HELLO"},
		{OpLazyRequest, "LAZY_REQUEST"},
		{OpCode(42), "UNKNOWN(42)"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.expect {
			t.Errorf("op=%d 期望=%s 实际=%s", tt.op, tt.expect, got)
		}
	}
}

func TestClientOps(t *testing.T) {
	tests := []struct {
		op       OpCode
		allowed  bool
		needAuth bool
	}{
		{OpHeartbeat, true, false},
		{OpIdentify, true, false},
		{OpResume, true, false},
		{OpStatusUpdate, true, true},
		{OpRequestGuildMembers, true, true},
		{OpLazyRequest, true, true},
		{OpDispatch, false, false},
		{OpHello, false, false},
		{OpCode(5), false, false},
	}

	for _, tt := range tests {
		if got := IsClientOp(tt.op); got != tt.allowed {
			t.Errorf("IsClientOp(%s) 期望=%v 实际=%v", tt.op, tt.allowed, got)
		}
		if got := RequiresSession(tt.op); got != tt.needAuth {
			t.Errorf("RequiresSession(%s) 期望=%v 实际=%v", tt.op, tt.needAuth, got)
		}
	}
}

func TestIntentFor(t *testing.T) {
	tests := []struct {
		event   string
		inGuild bool
		expect  Intent
	}{
		{"MESSAGE_CREATE", true, IntentGuildMessages},
		{"MESSAGE_CREATE", false, IntentDirectMessages},
		{"PRESENCE_UPDATE", true, IntentGuildPresences},
		{"PRESENCE_UPDATE", false, 0},
		{"READY", false, 0},
		{"GUILD_MEMBER_LIST_UPDATE", true, 0},
	}

	for _, tt := range tests {
		if got := IntentFor(tt.event, tt.inGuild); got != tt.expect {
			t.Errorf("IntentFor(%s, %v) 期望=%d 实际=%d", tt.event, tt.inGuild, tt.expect, got)
		}
	}

	if !IntentsAll.Has(IntentMessageContent | IntentGuilds) {
		t.Error("IntentsAll must contain every intent")
	}
	if Intent(0).Has(IntentGuilds) {
		t.Error("empty intents must not satisfy a requirement")
	}
	if !Intent(0).Has(0) {
		t.Error("zero requirement always passes")
	}
}
