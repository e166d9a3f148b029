package etcd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"leaderd/pkg/coordination"
)

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(rpctypes.ErrLeaseNotFound), coordination.ErrSessionExpired)
	assert.ErrorIs(t, mapError(context.DeadlineExceeded), coordination.ErrConnectionLoss)
	assert.ErrorIs(t, mapError(status.Error(codes.Unavailable, "no leader")), coordination.ErrConnectionLoss)

	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
}

// CoordinatorSuite runs against a live cluster named by LEADERD_TEST_ETCD.
type CoordinatorSuite struct {
	suite.Suite
	dialer    *Dialer
	namespace string
}

func (s *CoordinatorSuite) SetupSuite() {
	endpoints := os.Getenv("LEADERD_TEST_ETCD")
	if endpoints == "" {
		s.T().Skip("Skipping etcd tests (LEADERD_TEST_ETCD not set)")
	}
	s.dialer = &Dialer{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
		SessionTTL:  5 * time.Second,
		Logger:      zaptest.NewLogger(s.T()),
	}
}

func (s *CoordinatorSuite) SetupTest() {
	s.namespace = fmt.Sprintf("/leaderd-test/%s", uuid.NewString())
}

func (s *CoordinatorSuite) dial() coordination.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := s.dialer.Dial(ctx)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *CoordinatorSuite) TestSequentialCreate() {
	ctx := context.Background()
	c := s.dial()
	s.Require().NoError(c.EnsurePath(ctx, s.namespace))

	first, err := c.Create(ctx, s.namespace+"/c_", []byte("a"))
	s.Require().NoError(err)
	second, err := c.Create(ctx, s.namespace+"/c_", []byte("b"))
	s.Require().NoError(err)

	s.Equal(s.namespace+"/c_0000000001", first)
	s.Equal(s.namespace+"/c_0000000002", second)

	names, err := c.Children(ctx, s.namespace)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"c_0000000001", "c_0000000002"}, names)
}

func (s *CoordinatorSuite) TestCreateRequiresParent() {
	c := s.dial()
	_, err := c.Create(context.Background(), s.namespace+"/missing/c_", nil)
	s.ErrorIs(err, coordination.ErrNoNode)
}

func (s *CoordinatorSuite) TestCloseRemovesNodesAndFiresWatch() {
	ctx := context.Background()
	owner := s.dial()
	watcher := s.dial()
	s.Require().NoError(owner.EnsurePath(ctx, s.namespace))

	path, err := owner.Create(ctx, s.namespace+"/c_", nil)
	s.Require().NoError(err)

	exists, err := watcher.Exists(ctx, path, true)
	s.Require().NoError(err)
	s.Require().True(exists)

	s.Require().NoError(owner.Close())

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-watcher.Events():
			if ev.Type == coordination.EventSession {
				continue
			}
			s.Equal(coordination.EventNodeDeleted, ev.Type)
			s.Equal(path, ev.Path)
			names, err := watcher.Children(ctx, s.namespace)
			s.Require().NoError(err)
			s.Empty(names)
			return
		case <-deadline:
			s.FailNow("watch did not fire")
		}
	}
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}
