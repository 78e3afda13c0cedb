package types

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestCanTransition(t *testing.T) {
	c := qt.New(t)

	c.Run("one step forward", func(c *qt.C) {
		for i := 0; i < len(stageOrder)-1; i++ {
			c.Check(CanTransition(stageOrder[i], stageOrder[i+1]), qt.IsTrue)
		}
	})

	c.Run("skipping a stage", func(c *qt.C) {
		c.Check(CanTransition(StageIntakeReceived, StageOCRComplete), qt.IsFalse)
		c.Check(CanTransition(StagePHIComplete, StageDone), qt.IsFalse)
	})

	c.Run("backwards", func(c *qt.C) {
		c.Check(CanTransition(StageOCRComplete, StageOCRRunning), qt.IsFalse)
	})

	c.Run("failure from any non-terminal stage", func(c *qt.C) {
		for _, s := range stageOrder[:len(stageOrder)-1] {
			c.Check(CanTransition(s, StageFailed), qt.IsTrue, qt.Commentf("from %s", s))
		}
	})

	c.Run("terminal stages", func(c *qt.C) {
		for _, to := range append(stageOrder, StageFailed) {
			c.Check(CanTransition(StageDone, to), qt.IsFalse)
			c.Check(CanTransition(StageFailed, to), qt.IsFalse)
		}
	})

	c.Run("unknown stage", func(c *qt.C) {
		c.Check(CanTransition(Stage("ARCHIVED"), StageFailed), qt.IsFalse)
	})
}

func TestIsStageHistory(t *testing.T) {
	c := qt.New(t)

	c.Check(IsStageHistory(stageOrder), qt.IsTrue)
	c.Check(IsStageHistory(stageOrder[:3]), qt.IsTrue)
	c.Check(IsStageHistory([]Stage{StageIntakeReceived, StageOCRRunning, StageFailed}), qt.IsTrue)
	c.Check(IsStageHistory([]Stage{StageIntakeReceived, StageOCRComplete}), qt.IsFalse)
	c.Check(IsStageHistory([]Stage{StageIntakeReceived, StageFailed, StageOCRRunning}), qt.IsFalse)
	c.Check(IsStageHistory([]Stage{StageFailed}), qt.IsFalse)
}
