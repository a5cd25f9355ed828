package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"targetUserId":"bob"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	data, err := Encode(&Message{Type: TypeCallEnd, TargetUserID: "bob"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"call_end","targetUserId":"bob"}`, string(data))
}

func TestUserLabel(t *testing.T) {
	u := &User{ID: "u1", Username: "alice", DisplayName: "Alice A."}
	assert.Equal(t, "Alice A.", u.Label())
	u.DisplayName = ""
	assert.Equal(t, "alice", u.Label())
}
