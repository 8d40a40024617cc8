package scheduler

import "time"

const (
	// logger name used when Options.LogPrefix is empty
	LogPrefix string = "scheduler"

	// wait before each batch selection, lets a burst of submissions and a
	// following Pause land before the batch is sealed
	DrainDelay time.Duration = time.Millisecond
)
