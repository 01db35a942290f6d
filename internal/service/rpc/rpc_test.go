package rpc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/service/rpc"
)

func TestFieldAccessors(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"user_id":       "  u1 ",
		"amount":        30,
		"fraction":      1.5,
		"wrong":         "x",
		"candidate_ids": []any{"a", "b"},
		"mixed":         []any{"a", 1},
		"expires_at":    "2026-10-17T00:00:00Z",
		"bad_time":      "tomorrow",
	})
	require.NoError(t, err)

	assert.Equal(t, "u1", rpc.String(s, "user_id"))
	assert.Equal(t, "", rpc.String(s, "missing"))

	n, err := rpc.Int(s, "amount")
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	n, err = rpc.Int(s, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = rpc.Int(s, "fraction")
	assert.True(t, apperrors.IsValidation(err))
	_, err = rpc.Int(s, "wrong")
	assert.True(t, apperrors.IsValidation(err))

	ids, err := rpc.Strings(s, "candidate_ids")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	_, err = rpc.Strings(s, "mixed")
	assert.True(t, apperrors.IsValidation(err))

	ts, err := rpc.Time(s, "expires_at")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), ts)
	_, err = rpc.Time(s, "bad_time")
	assert.True(t, apperrors.IsValidation(err))
}

func TestJSONConversion(t *testing.T) {
	type view struct {
		UserID  string    `json:"user_id"`
		Balance int64     `json:"balance"`
		At      time.Time `json:"at"`
	}
	in := view{UserID: "u1", Balance: 70, At: time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)}

	s, err := rpc.FromJSON(in)
	require.NoError(t, err)
	assert.Equal(t, float64(70), s.GetFields()["balance"].GetNumberValue())
	assert.Equal(t, "2026-10-16T09:30:00Z", s.GetFields()["at"].GetStringValue())

	var out view
	require.NoError(t, rpc.ToJSON(s, &out))
	assert.Equal(t, in, out)

	_, err = rpc.FromJSON([]int{1})
	assert.Error(t, err, "a list is not an object")
}
