package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexID_Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    FlexID
		wantErr bool
	}{
		{in: `12`, want: "12"},
		{in: `"12"`, want: "12"},
		{in: `"intro-jingle"`, want: "intro-jingle"},
		{in: `null`, want: ""},
		{in: `1.5`, wantErr: true},
		{in: `true`, wantErr: true},
		{in: `{"id":1}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var req SlotRequest
			err := json.Unmarshal([]byte(`{"board_id":1,"sound_id":`+tt.in+`}`), &req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.SoundID)
			assert.Equal(t, FlexID("1"), req.BoardID)
		})
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("42"))
	assert.True(t, ValidID("board_A-1"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("a:b"))
	assert.False(t, ValidID("a b"))
	assert.False(t, ValidID(string(make([]byte, 65))))
}

func TestMember(t *testing.T) {
	anon := Anonymous()
	assert.True(t, anon.IsAnonymous())
	assert.Equal(t, AnonymousName, anon.DisplayName())

	m := Member{ID: 7, Username: "carol"}
	assert.False(t, m.IsAnonymous())
	assert.Equal(t, "carol", m.DisplayName())
	assert.Equal(t, "7", m.Key())
	assert.Equal(t, AnonymousName, Member{ID: 8}.DisplayName())
}

func TestFrameFor(t *testing.T) {
	ev, err := NewEvent(RoomTopic("9"), EventSlotReleased, SlotReleasedPayload{SoundID: "3"})
	require.NoError(t, err)
	ev.Origin = "conn-1"

	raw, err := json.Marshal(FrameFor(ev))
	require.NoError(t, err)
	// 路由字段不会出现在发给客户端的帧中
	assert.JSONEq(t, `{"event":"slot_released","data":{"sound_id":"3"}}`, string(raw))
}

func TestSlotLock(t *testing.T) {
	now := time.Now()
	l := SlotLock{Room: "9", Slot: "3", OwnerID: 1, OwnerName: "alice", ExpiresAt: now.Add(time.Second)}
	assert.False(t, l.Expired(now))
	assert.True(t, l.Expired(now.Add(time.Second)))

	p := l.LockedPayload()
	assert.Equal(t, "3", p.SoundID)
	assert.Equal(t, "alice", p.User)
}
