package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type BreakerSuite struct {
	suite.Suite
	now time.Time
	b   *Breaker
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) SetupTest() {
	s.now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.b = New("redis",
		WithFailureThreshold(2),
		WithSuccessThreshold(2),
		WithCooldown(time.Second),
		WithClock(func() time.Time { return s.now }),
	)
}

func (s *BreakerSuite) TestOpensAfterConsecutiveFailures() {
	s.False(s.b.RecordFailure().Opened)
	s.True(s.b.RecordFailure().Opened)
	s.Equal(StateOpen, s.b.State())
	s.False(s.b.Allow(), "no probe before cooldown")
}

func (s *BreakerSuite) TestSuccessResetsFailureStreak() {
	s.b.RecordFailure()
	s.b.RecordSuccess()
	s.False(s.b.RecordFailure().Opened)
	s.Equal(StateClosed, s.b.State())
}

func (s *BreakerSuite) TestProbesAfterCooldownAndCloses() {
	s.b.RecordFailure()
	s.b.RecordFailure()

	s.now = s.now.Add(time.Second)
	s.True(s.b.Allow(), "one probe per cooldown")
	s.False(s.b.Allow())
	s.False(s.b.RecordSuccess().Closed)

	s.now = s.now.Add(time.Second)
	s.True(s.b.Allow())
	s.True(s.b.RecordSuccess().Closed)
	s.Equal(StateClosed, s.b.State())
	s.True(s.b.Allow())
}
