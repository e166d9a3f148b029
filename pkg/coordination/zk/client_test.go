package zk

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"leaderd/pkg/coordination"
)

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(zk.ErrNoNode), coordination.ErrNoNode)
	assert.ErrorIs(t, mapError(zk.ErrNodeExists), coordination.ErrNodeExists)
	assert.ErrorIs(t, mapError(zk.ErrSessionExpired), coordination.ErrSessionExpired)
	assert.ErrorIs(t, mapError(zk.ErrConnectionClosed), coordination.ErrConnectionLoss)
	assert.ErrorIs(t, mapError(zk.ErrNoServer), coordination.ErrConnectionLoss)
	assert.ErrorIs(t, mapError(zk.ErrClosing), coordination.ErrClosed)
}

// ClientSuite runs against a live ensemble named by LEADERD_TEST_ZK.
type ClientSuite struct {
	suite.Suite
	dialer    *Dialer
	namespace string
}

func (s *ClientSuite) SetupSuite() {
	servers := os.Getenv("LEADERD_TEST_ZK")
	if servers == "" {
		s.T().Skip("Skipping ZooKeeper tests (LEADERD_TEST_ZK not set)")
	}
	s.dialer = &Dialer{
		Servers:        strings.Split(servers, ","),
		SessionTimeout: 5 * time.Second,
		Logger:         zaptest.NewLogger(s.T()),
	}
}

func (s *ClientSuite) SetupTest() {
	s.namespace = fmt.Sprintf("/leaderd-test-%s", strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (s *ClientSuite) dial() coordination.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := s.dialer.Dial(ctx)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *ClientSuite) TestEphemeralSequential() {
	ctx := context.Background()
	c := s.dial()
	s.Require().NoError(c.EnsurePath(ctx, s.namespace))

	first, err := c.Create(ctx, s.namespace+"/c_", []byte("a"))
	s.Require().NoError(err)
	second, err := c.Create(ctx, s.namespace+"/c_", []byte("b"))
	s.Require().NoError(err)
	s.Less(first, second)

	names, err := c.Children(ctx, s.namespace)
	s.Require().NoError(err)
	s.Len(names, 2)
}

func (s *ClientSuite) TestWatchFiresOnSessionClose() {
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
			return
		case <-deadline:
			s.FailNow("watch did not fire")
		}
	}
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}
