package history

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adspanel/internal/db"
)

// Runs against a real cluster when SCYLLA_TEST_HOSTS is set.
func newScyllaTestStore(t *testing.T) *ScyllaStore {
	t.Helper()
	hosts := os.Getenv("SCYLLA_TEST_HOSTS")
	if hosts == "" {
		t.Skip("SCYLLA_TEST_HOSTS not set")
	}
	keyspace := "adspanel_test_" + gocql.TimeUUID().String()[:8]
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	session, err := db.Connect(ctx, db.ScyllaConfig{
		Hosts:       strings.Split(hosts, ","),
		Keyspace:    keyspace,
		Consistency: "ONE",
		Replication: 1,
		Attempts:    3,
		RetryDelay:  time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Query("DROP KEYSPACE IF EXISTS " + keyspace).Exec()
		session.Close()
	})
	loc, err := LoadLocation(DefaultTimezone)
	require.NoError(t, err)
	return NewScyllaStore(session, keyspace, loc)
}

func TestScyllaStore_Lifecycle(t *testing.T) {
	store := newScyllaTestStore(t)
	ctx := context.Background()

	// 20:00 UTC on the 1st is already the 2nd in IST
	late := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	early := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	a := Entry{ID: gocql.UUIDFromTime(early), UserName: "lobby", LoginAt: early, DeviceModel: "Fire TV"}
	b := Entry{ID: gocql.UUIDFromTime(late), UserName: "cafe", LoginAt: late, UserAgent: "ExoPlayer"}
	require.NoError(t, store.RecordLogin(ctx, a))
	require.NoError(t, store.RecordLogin(ctx, b))

	ping := early.Add(time.Minute)
	require.NoError(t, store.Touch(ctx, a.ID, ping))
	require.NoError(t, store.Close(ctx, b.ID, late.Add(time.Hour)))
	assert.ErrorIs(t, store.Touch(ctx, gocql.TimeUUID(), ping), ErrNotFound)

	day1, err := store.List(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Len(t, day1, 1)
	assert.Equal(t, "lobby", day1[0].UserName)
	assert.True(t, day1[0].LastPing.Equal(ping))
	assert.False(t, day1[0].LoggedOut())

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cafe", all[0].UserName, "newest day first")
	assert.True(t, all[0].LoggedOut())

	_, err = store.List(ctx, "01/03/2024")
	assert.ErrorIs(t, err, ErrInvalidDate)
}
