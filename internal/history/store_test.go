package history

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"callbridge/internal/protocol"
)

// StoreSuite needs a disposable database in CB_TEST_DATABASE_URL.
type StoreSuite struct {
	suite.Suite
	pool  *pgxpool.Pool
	store *Store
}

func (s *StoreSuite) SetupSuite() {
	url := os.Getenv("CB_TEST_DATABASE_URL")
	if url == "" {
		s.T().Skip("CB_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	s.Require().NoError(err)
	s.pool = pool
	s.store = NewStore(pool)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *StoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *StoreSuite) SetupTest() {
	_, err := s.pool.Exec(context.Background(), `TRUNCATE calls RESTART IDENTITY`)
	s.Require().NoError(err)
}

func call(i int) protocol.CallEvent {
	return protocol.CallEvent{
		ID:             fmt.Sprintf("261018093015%03d", i),
		NumberComplete: fmt.Sprintf("030%04d", i),
		Number:         fmt.Sprintf("%04d", i),
		AreaCode:       "030",
		Area:           "Berlin",
		Name:           "Berlin",
		Date:           "2026-10-18",
		Time:           "09:30:15",
		MSN:            "4711",
		Service:        "Telefonie",
		Fix:            "Fix",
	}
}

func (s *StoreSuite) TestInsertListCount() {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		idx, err := s.store.InsertCall(ctx, call(i))
		s.Require().NoError(err)
		s.EqualValues(i, idx)
	}

	n, err := s.store.CountCalls(ctx)
	s.Require().NoError(err)
	s.EqualValues(5, n)

	page, err := s.store.ListCalls(ctx, 1, 2)
	s.Require().NoError(err)
	s.Require().Len(page, 2)
	s.Equal(call(4), page[0])
	s.Equal(call(3), page[1])

	empty, err := s.store.ListCalls(ctx, 10, 5)
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StoreSuite) TestDuplicateEventID() {
	ctx := context.Background()
	first, err := s.store.InsertCall(ctx, call(1))
	s.Require().NoError(err)

	again, err := s.store.InsertCall(ctx, call(1))
	s.ErrorIs(err, ErrDuplicate)
	s.Equal(first, again)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}
