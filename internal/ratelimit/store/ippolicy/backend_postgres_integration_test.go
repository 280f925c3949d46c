//go:build integration

package ippolicy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"turnstile/internal/ratelimit/models"
	"turnstile/pkg/testutil/containers"
)

type PostgresBackendSuite struct {
	suite.Suite
	pg      *containers.PostgresContainer
	backend *PostgresBackend
	ctx     context.Context
}

func TestPostgresBackendSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresBackendSuite))
}

func (s *PostgresBackendSuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.backend = NewPostgresBackend(s.pg.DB)
	s.ctx = context.Background()
}

func (s *PostgresBackendSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(s.ctx, "ip_policies"))
}

func (s *PostgresBackendSuite) TestUpsertGetDelete() {
	now := time.Now().UTC().Truncate(time.Microsecond)
	e, err := models.NewIPPolicyEntry("10.0.0.1", models.PolicyStateBlocked, "abuse", "admin", now, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.backend.Put(s.ctx, e))

	e.State = models.PolicyStateAllowed
	s.Require().NoError(s.backend.Put(s.ctx, e), "put is an upsert")

	got, err := s.backend.Get(s.ctx, "10.0.0.1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(models.PolicyStateAllowed, got.State)
	s.Nil(got.ExpiresAt)

	existed, err := s.backend.Delete(s.ctx, "10.0.0.1")
	s.Require().NoError(err)
	s.True(existed)

	got, err = s.backend.Get(s.ctx, "10.0.0.1")
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *PostgresBackendSuite) TestExpiry() {
	now := time.Now().UTC()
	exp := now.Add(time.Minute)
	e, err := models.NewIPPolicyEntry("10.0.0.2", models.PolicyStateBlocked, "auto", "classifier", now, &exp)
	s.Require().NoError(err)
	s.Require().NoError(s.backend.Put(s.ctx, e))

	live, err := s.backend.List(s.ctx, now)
	s.Require().NoError(err)
	s.Len(live, 1)

	later := now.Add(2 * time.Minute)
	live, err = s.backend.List(s.ctx, later)
	s.Require().NoError(err)
	s.Empty(live)

	removed, err := s.backend.DeleteExpired(s.ctx, later)
	s.Require().NoError(err)
	s.Equal(1, removed)
}
