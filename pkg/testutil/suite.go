package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"
)

// DatabaseSuite is a base suite for tests that run against a real
// database file. Embed it and build pools in SetupTest from TempDir.
type DatabaseSuite struct {
	suite.Suite
	Ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
}

// SetupSuite runs before all tests in the suite
func (s *DatabaseSuite) SetupSuite() {
	s.Ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()
}

// TearDownSuite runs after all tests in the suite
func (s *DatabaseSuite) TearDownSuite() {
	s.cancel()
	s.T().Logf("suite finished in %v", time.Since(s.startTime))
}

// TempDir returns a directory removed when the current test completes.
func (s *DatabaseSuite) TempDir() string {
	return s.T().TempDir()
}
