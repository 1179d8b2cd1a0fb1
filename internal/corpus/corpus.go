// Package corpus provides a read-only reader over the forum corpus
// database: threads, posts, tags, and links, traversed in (thread id,
// post id) order, with legacy BBCode-rendered HTML post bodies normalized
// to markdown before they reach the token budget.
package corpus

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/terrarium-labs/annotator/pkg/db"
)

// Post is a single corpus post. Tags of interest include qm_post
// ("quest-master post", the story-advancing content), op_post, and
// story_post.
type Post struct {
	ThreadID int64    `db:"thread_id"`
	ID       int64    `db:"id"`
	Name     *string  `db:"name"`
	TripCode *string  `db:"trip_code"`
	Subject  *string  `db:"subject"`
	Time     *int64   `db:"time"`
	FileURL  *string  `db:"file_url"`
	FileName *string  `db:"file_name"`
	Body     string   `db:"body"`
	Tags     []string `db:"-"`
}

// HasTag reports whether the post carries the given tag.
func (p Post) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Thread is a corpus thread.
type Thread struct {
	ID    int64  `db:"id"`
	Title string `db:"title"`
}

// Reader is a read-only connection onto the corpus database. Concurrency
// safe for readers per spec §5.
type Reader struct {
	db *sqlx.DB
}

// Open opens a read-only connection to the corpus database at dbPath.
func Open(ctx context.Context, dbPath string) (*Reader, error) {
	sqlDB, err := db.OpenReadOnly(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &Reader{db: sqlDB}, nil
}

// NewWithDB wraps an already-open connection carrying the corpus schema.
// Used by tests against an in-memory or tempdir fixture database.
func NewWithDB(sqlDB *sqlx.DB) *Reader {
	return &Reader{db: sqlDB}
}

// Close closes the underlying connection.
func (r *Reader) Close() error {
	return r.db.Close()
}

// PostsAfter streams posts in (thread id asc, post id asc) order,
// optionally starting strictly after afterPostID within its thread (used
// for resumption). limit bounds the number of rows fetched per call; the
// caller paginates by passing the last returned post's id back in.
func (r *Reader) PostsAfter(ctx context.Context, afterThreadID, afterPostID int64, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 500
	}
	var posts []Post
	err := r.db.SelectContext(ctx, &posts, `
		SELECT thread_id, id, name, trip_code, subject, time, file_url, file_name, body
		FROM post
		WHERE (thread_id > ?) OR (thread_id = ? AND id > ?)
		ORDER BY thread_id ASC, id ASC
		LIMIT ?
	`, afterThreadID, afterThreadID, afterPostID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read posts")
	}
	if err := r.attachTags(ctx, posts); err != nil {
		return nil, err
	}
	for i := range posts {
		posts[i].Body = NormalizeBody(posts[i].Body)
	}
	return posts, nil
}

func (r *Reader) attachTags(ctx context.Context, posts []Post) error {
	for i := range posts {
		var tags []string
		if err := r.db.SelectContext(ctx, &tags, "SELECT name FROM tag WHERE post_id = ?", posts[i].ID); err != nil {
			return errors.Wrap(err, "failed to read post tags")
		}
		posts[i].Tags = tags
	}
	return nil
}

// Post returns a single post by id, with normalized body and tags.
func (r *Reader) Post(ctx context.Context, postID int64) (*Post, error) {
	var p Post
	err := r.db.GetContext(ctx, &p, `
		SELECT thread_id, id, name, trip_code, subject, time, file_url, file_name, body
		FROM post WHERE id = ?`, postID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read post %d", postID)
	}
	withTags := []Post{p}
	if err := r.attachTags(ctx, withTags); err != nil {
		return nil, err
	}
	p = withTags[0]
	p.Body = NormalizeBody(p.Body)
	return &p, nil
}

// AdjacentPosts returns up to `window` posts on either side of postID
// within the same thread, in ascending post-id order, for read_post's
// include_adjacent option.
func (r *Reader) AdjacentPosts(ctx context.Context, postID int64, window int) ([]Post, error) {
	center, err := r.Post(ctx, postID)
	if err != nil {
		return nil, err
	}
	var posts []Post
	err = r.db.SelectContext(ctx, &posts, `
		SELECT thread_id, id, name, trip_code, subject, time, file_url, file_name, body
		FROM post
		WHERE thread_id = ? AND id BETWEEN ? AND ?
		ORDER BY id ASC
	`, center.ThreadID, postID-int64(window), postID+int64(window))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read adjacent posts")
	}
	if err := r.attachTags(ctx, posts); err != nil {
		return nil, err
	}
	for i := range posts {
		posts[i].Body = NormalizeBody(posts[i].Body)
	}
	return posts, nil
}

// ThreadRange returns posts in a thread within [start, end] (either bound
// may be zero to mean unbounded), optionally filtered to a single tag.
func (r *Reader) ThreadRange(ctx context.Context, threadID int64, start, end int64, tagFilter string) ([]Post, error) {
	query := "SELECT thread_id, id, name, trip_code, subject, time, file_url, file_name, body FROM post WHERE thread_id = ?"
	args := []any{threadID}
	if start > 0 {
		query += " AND id >= ?"
		args = append(args, start)
	}
	if end > 0 {
		query += " AND id <= ?"
		args = append(args, end)
	}
	query += " ORDER BY id ASC"

	var posts []Post
	if err := r.db.SelectContext(ctx, &posts, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to read thread range")
	}
	if err := r.attachTags(ctx, posts); err != nil {
		return nil, err
	}
	out := posts[:0]
	for _, p := range posts {
		if tagFilter != "" && !p.HasTag(tagFilter) {
			continue
		}
		p.Body = NormalizeBody(p.Body)
		out = append(out, p)
	}
	return out, nil
}

// Thread returns thread metadata by id.
func (r *Reader) Thread(ctx context.Context, threadID int64) (*Thread, error) {
	var t Thread
	if err := r.db.GetContext(ctx, &t, "SELECT id, title FROM thread WHERE id = ?", threadID); err != nil {
		return nil, errors.Wrapf(err, "failed to read thread %d", threadID)
	}
	return &t, nil
}
