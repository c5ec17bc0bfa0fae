package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/stressoor/pkg/monitor"
)

func TestMonitor_CollectsSamples(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	m := monitor.NewMonitor(log, 50*time.Millisecond)
	m.Start(context.Background())

	time.Sleep(300 * time.Millisecond)

	usage := m.Stop()
	require.NotNil(t, usage)
	assert.Greater(t, usage.Samples, 0)
	assert.GreaterOrEqual(t, usage.CPUPercentMax, usage.CPUPercentAvg)
	assert.GreaterOrEqual(t, usage.MemoryPercentMax, usage.MemoryPercentAvg)
}

func TestMonitor_StopWithoutSamples(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	m := monitor.NewMonitor(log, time.Hour)
	m.Start(context.Background())

	assert.Nil(t, m.Stop())
}
