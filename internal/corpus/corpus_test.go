package corpus

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
)

func newFixtureDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE thread (id INTEGER PRIMARY KEY, title TEXT);
		CREATE TABLE post (
			thread_id INTEGER,
			id INTEGER PRIMARY KEY,
			name TEXT,
			trip_code TEXT,
			subject TEXT,
			time INTEGER,
			file_url TEXT,
			file_name TEXT,
			body TEXT
		);
		CREATE TABLE tag (post_id INTEGER, name TEXT);
	`
	_, err = db.Exec(schema)
	require.NoError(t, err)
	return db
}

func seedPost(t *testing.T, db *sqlx.DB, threadID, postID int64, body string, tags ...string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO post (thread_id, id, body) VALUES (?, ?, ?)`, threadID, postID, body)
	require.NoError(t, err)
	for _, tag := range tags {
		_, err := db.Exec(`INSERT INTO tag (post_id, name) VALUES (?, ?)`, postID, tag)
		require.NoError(t, err)
	}
}

func TestReader_PostsAfter_OrderAndTags(t *testing.T) {
	db := newFixtureDB(t)
	seedPost(t, db, 1, 100, "first", "qm_post")
	seedPost(t, db, 1, 101, "second")
	seedPost(t, db, 2, 200, "third", "qm_post", "op_post")
	r := NewWithDB(db)

	posts, err := r.PostsAfter(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, int64(100), posts[0].ID)
	assert.Equal(t, int64(101), posts[1].ID)
	assert.Equal(t, int64(200), posts[2].ID)
	assert.True(t, posts[0].HasTag("qm_post"))
	assert.False(t, posts[1].HasTag("qm_post"))
	assert.ElementsMatch(t, []string{"qm_post", "op_post"}, posts[2].Tags)
}

func TestReader_PostsAfter_ResumesStrictlyAfterCursor(t *testing.T) {
	db := newFixtureDB(t)
	seedPost(t, db, 1, 100, "a", "qm_post")
	seedPost(t, db, 1, 101, "b", "qm_post")
	seedPost(t, db, 2, 200, "c", "qm_post")
	r := NewWithDB(db)

	posts, err := r.PostsAfter(context.Background(), 1, 100, 10)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, int64(101), posts[0].ID)
	assert.Equal(t, int64(200), posts[1].ID)
}

func TestReader_PostsAfter_RespectsLimit(t *testing.T) {
	db := newFixtureDB(t)
	seedPost(t, db, 1, 100, "a")
	seedPost(t, db, 1, 101, "b")
	seedPost(t, db, 1, 102, "c")
	r := NewWithDB(db)

	posts, err := r.PostsAfter(context.Background(), 0, 0, 2)
	require.NoError(t, err)
	assert.Len(t, posts, 2)
}

func TestReader_Post_NotFound(t *testing.T) {
	db := newFixtureDB(t)
	r := NewWithDB(db)

	_, err := r.Post(context.Background(), 999)
	assert.Error(t, err)
}

func TestReader_AdjacentPosts_Window(t *testing.T) {
	db := newFixtureDB(t)
	for i := int64(100); i <= 110; i++ {
		seedPost(t, db, 1, i, "post")
	}
	r := NewWithDB(db)

	posts, err := r.AdjacentPosts(context.Background(), 105, 2)
	require.NoError(t, err)
	require.Len(t, posts, 5) // 103,104,105,106,107
	assert.Equal(t, int64(103), posts[0].ID)
	assert.Equal(t, int64(107), posts[len(posts)-1].ID)
}

func TestReader_ThreadRange_FiltersByTag(t *testing.T) {
	db := newFixtureDB(t)
	seedPost(t, db, 1, 100, "a", "qm_post")
	seedPost(t, db, 1, 101, "b")
	seedPost(t, db, 1, 102, "c", "qm_post")
	seedPost(t, db, 2, 200, "d", "qm_post") // different thread, excluded regardless

	r := NewWithDB(db)
	posts, err := r.ThreadRange(context.Background(), 1, 0, 0, "qm_post")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, int64(100), posts[0].ID)
	assert.Equal(t, int64(102), posts[1].ID)
}

func TestReader_ThreadRange_BoundedByStartAndEnd(t *testing.T) {
	db := newFixtureDB(t)
	for i := int64(100); i <= 105; i++ {
		seedPost(t, db, 1, i, "post")
	}
	r := NewWithDB(db)

	posts, err := r.ThreadRange(context.Background(), 1, 101, 103, "")
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, int64(101), posts[0].ID)
	assert.Equal(t, int64(103), posts[2].ID)
}

func TestReader_Thread(t *testing.T) {
	db := newFixtureDB(t)
	_, err := db.Exec(`INSERT INTO thread (id, title) VALUES (1, 'A Quest Begins')`)
	require.NoError(t, err)
	r := NewWithDB(db)

	thread, err := r.Thread(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "A Quest Begins", thread.Title)
}
