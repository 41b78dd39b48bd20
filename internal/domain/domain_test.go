package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHigherResolutionRanksDirectoryAboveFile(t *testing.T) {
	assert.True(t, HigherResolution(ResolutionDirectory, ResolutionFile))
	assert.True(t, HigherResolution(ResolutionGlobal, ResolutionDirectory))
	assert.False(t, HigherResolution(ResolutionFile, ResolutionDirectory))
	assert.False(t, HigherResolution(ResolutionFile, ResolutionFile))
}

func TestFailureRateIsZeroBeforeAnyTerminalJobs(t *testing.T) {
	stats := RunStats{JobsCreated: 10}
	assert.Zero(t, stats.FailureRate())
}

func TestFailureRateDividesFailedByTerminal(t *testing.T) {
	stats := RunStats{JobsComplete: 3, JobsFailed: 1}
	assert.InDelta(t, 0.25, stats.FailureRate(), 0.0001)
}
