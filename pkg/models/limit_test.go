package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	limit := Limit{FreeWarn: 10, FreeMax: 20, OverWarn: 30, OverMax: 40}
	const cu = 5

	tests := []struct {
		name     string
		consumed int64
		usage    AccessUsage
		events   []EventType
	}{
		{"below free warn", 0, AccessUsage{ValidCompute: cu}, nil},
		{"reach free warn", 5, AccessUsage{ValidCompute: cu}, []EventType{EventFreeWarn}},
		{"cross free warn", 7, AccessUsage{ValidCompute: cu}, []EventType{EventFreeWarn}},
		{"from free warn", 10, AccessUsage{ValidCompute: cu}, nil},
		{"reach free max", 15, AccessUsage{ValidCompute: cu}, []EventType{EventFreeMax}},
		{"split free max", 16, AccessUsage{ValidCompute: 4, OverCompute: 1}, []EventType{EventFreeMax}},
		{"from free max", 20, AccessUsage{OverCompute: cu}, nil},
		{"reach over warn", 25, AccessUsage{OverCompute: cu}, []EventType{EventOverWarn}},
		{"from over warn", 30, AccessUsage{OverCompute: cu}, nil},
		{"reach over max", 35, AccessUsage{OverCompute: cu}, []EventType{EventOverMax}},
		{"split over max", 37, AccessUsage{OverCompute: 3, LimitedCompute: 2}, []EventType{EventOverMax}},
		{"past over max", 40, AccessUsage{LimitedCompute: cu}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u, events := limit.Classify(tc.consumed, cu)
			assert.Equal(t, tc.usage, u)
			assert.Equal(t, tc.events, events)
		})
	}
}

func TestClassifyCrossesSeveralThresholds(t *testing.T) {
	limit := Limit{FreeWarn: 10, FreeMax: 20, OverWarn: 30, OverMax: 40}
	u, events := limit.Classify(0, 100)
	assert.Equal(t, AccessUsage{ValidCompute: 20, OverCompute: 20, LimitedCompute: 60}, u)
	assert.Equal(t, []EventType{EventFreeWarn, EventFreeMax, EventOverWarn, EventOverMax}, events)
}

func TestClassifyScenarios(t *testing.T) {
	limit := Limit{FreeMax: 100, OverMax: 150}

	u, _ := limit.Classify(90, 20)
	assert.Equal(t, AccessUsage{ValidCompute: 10, OverCompute: 10}, u)

	limit.BlockTransactions = true
	u, _ = limit.Classify(150, 1)
	assert.Equal(t, AccessUsage{LimitedCompute: 1}, u)

	u, events := limit.Classify(90, 20)
	assert.Equal(t, AccessUsage{ValidCompute: 10, LimitedCompute: 10}, u)
	assert.Equal(t, []EventType{EventFreeMax}, events)
}

func TestClassifyWarnFoldedIntoMax(t *testing.T) {
	limit := Limit{FreeWarn: 20, FreeMax: 20, OverMax: 40}
	_, events := limit.Classify(19, 1)
	assert.Equal(t, []EventType{EventFreeMax}, events)

	limit.FreeWarn = 0
	_, events = limit.Classify(19, 1)
	assert.Equal(t, []EventType{EventFreeMax}, events)

	limit.OverWarn = 40
	_, events = limit.Classify(39, 1)
	assert.Equal(t, []EventType{EventOverMax}, events)
}

func TestClassifyZeroDelta(t *testing.T) {
	u, events := Limit{FreeMax: 10}.Classify(5, 0)
	assert.True(t, u.IsZero())
	assert.Nil(t, events)
}

func TestLimitRemainingOverage(t *testing.T) {
	limit := Limit{FreeMax: 100, OverMax: 150}
	assert.Equal(t, int64(10), limit.Remaining(90))
	assert.Equal(t, int64(0), limit.Remaining(120))
	assert.Equal(t, int64(20), limit.Overage(120))
	assert.False(t, limit.Exhausted(149))
	assert.True(t, limit.Exhausted(150))

	limit.BlockTransactions = true
	assert.True(t, limit.Exhausted(100))
}
