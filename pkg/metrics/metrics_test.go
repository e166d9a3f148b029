package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRole(t *testing.T) {
	before := testutil.ToFloat64(Elections.WithLabelValues("leader"))

	RecordRole("leader", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(IsLeader))
	assert.Equal(t, before+1, testutil.ToFloat64(Elections.WithLabelValues("leader")))

	RecordRole("follower", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(IsLeader))
}

func TestObserveAPIRequest(t *testing.T) {
	counter := APIRequests.WithLabelValues("/api/v1/election/leader", "503")
	before := testutil.ToFloat64(counter)

	ObserveAPIRequest("/api/v1/election/leader", 503, 2*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
