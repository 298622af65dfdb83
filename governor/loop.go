package governor

import (
	"context"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// DefaultIdle is how long Run waits between polls while the motor is idle.
const DefaultIdle = 10 * time.Millisecond

// Run steps g until ctx is done, waiting the governor's step delay between ticks while a
// run is active and idle otherwise. Tick errors are logged and do not end the loop.
func Run(ctx context.Context, g *Governor, idle time.Duration, logger logging.Logger) {
	if idle <= 0 {
		idle = DefaultIdle
	}
	for {
		if err := g.Tick(ctx); err != nil {
			logger.CError(ctx, err)
		}

		wait := idle
		if st := g.Status(); st.Running {
			wait = st.Delay
		}
		if !utils.SelectContextOrWait(ctx, wait) {
			return
		}
	}
}
