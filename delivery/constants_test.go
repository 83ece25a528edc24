package delivery

import "time"

// Test timing constants for asynchronous delivery waits.
const (
	testAsyncWait      = 500 * time.Millisecond
	testPollStep       = 5 * time.Millisecond
	testShortTimeout   = 30 * time.Millisecond
	testTimeoutSettled = 100 * time.Millisecond
)
