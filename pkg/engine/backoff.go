package engine

import (
	"math/rand"
	"time"

	"github.com/umpire-3/workflow-api/pkg/models"
)

const (
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
)

// retryDelay computes the wait before retry number retry (1 for the
// delay between the first and second attempt). The delay doubles per
// retry starting from the policy's base and is capped at its max; with
// jitter enabled the result is drawn from [delay/2, delay] so that
// simultaneously failing tasks do not retry in lockstep.
func retryDelay(policy models.RetryPolicy, retry int) time.Duration {
	base := policy.BaseDelay.Std()
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := policy.MaxDelay.Std()
	if max <= 0 {
		max = defaultMaxDelay
	}
	if base > max {
		base = max
	}

	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	if policy.Jitter {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}
