package dispatch

import "context"

// SendWithRetry sends cmd and resends it at most retries more times while
// the outcome is OutcomeUnreachable. Timeouts are not retried: the device
// may have acted on the command without acknowledging it.
//
// Every attempt reuses the command id, so a late ack still matches. The
// returned Result carries the total attempt count.
func SendWithRetry(ctx context.Context, s Sender, cmd Command, retries int) Result {
	attempts := 0
	for {
		res := s.Send(ctx, cmd)
		attempts += res.Attempts
		cmd.ID = res.CommandID

		if res.Outcome != OutcomeUnreachable || retries <= 0 || ctx.Err() != nil {
			res.Attempts = attempts
			return res
		}
		retries--
	}
}
