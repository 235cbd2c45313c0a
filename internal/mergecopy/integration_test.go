package mergecopy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/willibrandon/pgrab/internal/bookmark"
	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/mergecopy"
	"github.com/willibrandon/pgrab/internal/testutil"
)

const usersDDL = `
	CREATE TABLE users (
		id         integer PRIMARY KEY,
		email      text NOT NULL,
		deleted_at timestamptz,
		updated_at timestamptz NOT NULL DEFAULT now()
	);
	CREATE UNIQUE INDEX users_live_email ON users (lower(email)) WHERE deleted_at IS NULL;
`

// MergeCopyTestSuite merges between two real servers.
type MergeCopyTestSuite struct {
	suite.Suite
	ctx    context.Context
	remote *testutil.Postgres
	local  *testutil.Postgres
}

func TestMergeCopyTestSuite(t *testing.T) {
	testutil.SkipUnlessIntegration(t)
	suite.Run(t, new(MergeCopyTestSuite))
}

func (s *MergeCopyTestSuite) SetupSuite() {
	s.ctx = context.Background()
	s.remote = testutil.StartPostgres(s.ctx, s.T())
	s.local = testutil.StartPostgres(s.ctx, s.T())

	for _, pg := range []*testutil.Postgres{s.remote, s.local} {
		_, err := pg.Pool.Exec(s.ctx, usersDDL)
		s.Require().NoError(err)
	}
}

func (s *MergeCopyTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	s.remote.Terminate(ctx)
	s.local.Terminate(ctx)
}

func (s *MergeCopyTestSuite) SetupTest() {
	for _, pg := range []*testutil.Postgres{s.remote, s.local} {
		_, err := pg.Pool.Exec(s.ctx, "TRUNCATE users")
		s.Require().NoError(err)
	}
}

func (s *MergeCopyTestSuite) engine(meta catalog.Metadata, bookmarks map[string]string) *mergecopy.Engine {
	resolver := bookmark.NewResolver(s.local.Pool, "public", meta, bookmarks, nil)
	return mergecopy.New(mergecopy.Config{
		Local:  s.local.URI,
		Remote: s.remote.URI,
		Schema: "public",
	}, resolver)
}

func (s *MergeCopyTestSuite) metadata() catalog.Metadata {
	meta, err := catalog.NewProvider(s.remote.Pool, "public").FetchAll(s.ctx, []string{"users"})
	s.Require().NoError(err)
	return meta
}

func (s *MergeCopyTestSuite) count(pg *testutil.Postgres) int64 {
	var n int64
	s.Require().NoError(pg.Pool.QueryRow(s.ctx, "SELECT COUNT(*) FROM users").Scan(&n))
	return n
}

func (s *MergeCopyTestSuite) mergeOnce(eng *mergecopy.Engine, meta catalog.Metadata) int64 {
	h, err := eng.MergeCopy(s.ctx, meta["users"], "")
	s.Require().NoError(err)
	s.Require().NoError(h.Wait())
	return h.Rows()
}

func (s *MergeCopyTestSuite) TestMetadataFromCatalog() {
	meta := s.metadata()["users"]

	s.Equal("id", meta.PrimaryKey)
	s.Len(meta.Columns, 4)
	s.Len(meta.UniqueIndices, 2)

	predicate := mergecopy.UniquenessPredicate(meta)
	s.Contains(predicate, `lower(target.email) = lower(temp.email)`)
	s.Contains(predicate, `target.deleted_at IS NULL`)
	s.Contains(predicate, `target."id" = temp."id"`)
}

func (s *MergeCopyTestSuite) TestMergeTwiceIsIdempotent() {
	_, err := s.remote.Pool.Exec(s.ctx, `
		INSERT INTO users (id, email) SELECT g, 'user' || g || '@example.com' FROM generate_series(1, 500) g`)
	s.Require().NoError(err)

	meta := s.metadata()
	eng := s.engine(meta, nil)

	s.Equal(int64(500), s.mergeOnce(eng, meta))
	s.Equal(int64(500), s.count(s.local))

	s.Equal(int64(500), s.mergeOnce(eng, meta))
	s.Equal(int64(500), s.count(s.local))
}

func (s *MergeCopyTestSuite) TestRemoteWinsAndLocalOnlyRowsSurvive() {
	_, err := s.local.Pool.Exec(s.ctx, `
		INSERT INTO users (id, email) VALUES (1, 'old@example.com'), (900, 'local-only@example.com')`)
	s.Require().NoError(err)
	_, err = s.remote.Pool.Exec(s.ctx, `
		INSERT INTO users (id, email) VALUES (1, 'new@example.com'), (2, 'two@example.com')`)
	s.Require().NoError(err)

	meta := s.metadata()
	s.mergeOnce(s.engine(meta, nil), meta)

	var email string
	s.Require().NoError(s.local.Pool.QueryRow(s.ctx, "SELECT email FROM users WHERE id = 1").Scan(&email))
	s.Equal("new@example.com", email)
	s.Equal(int64(3), s.count(s.local))
}

func (s *MergeCopyTestSuite) TestBookmarkOnlyCopiesNewerRows() {
	_, err := s.remote.Pool.Exec(s.ctx, `
		INSERT INTO users (id, email) SELECT g, 'user' || g || '@example.com' FROM generate_series(1, 10) g`)
	s.Require().NoError(err)

	meta := s.metadata()
	eng := s.engine(meta, map[string]string{"users": "id"})

	s.Equal(int64(10), s.mergeOnce(eng, meta))

	_, err = s.remote.Pool.Exec(s.ctx, `INSERT INTO users (id, email) VALUES (11, 'eleven@example.com')`)
	s.Require().NoError(err)

	s.Equal(int64(1), s.mergeOnce(eng, meta))
	s.Equal(int64(11), s.count(s.local))
}
