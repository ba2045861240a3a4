package alerts

import "github.com/rs/zerolog"

// Dispatcher delivers a formatted alert message to a rule's configured
// channels. Actual channel delivery (Slack, email, PagerDuty, ...) is
// explicitly out of scope; bloop ships a logging dispatcher and leaves
// the interface open for an operator to wire in a real one.
type Dispatcher interface {
	Dispatch(ruleID string, channels []string, message string)
}

// LogDispatcher logs the alert instead of delivering it anywhere.
type LogDispatcher struct {
	logger zerolog.Logger
}

// NewLogDispatcher builds the default Dispatcher.
func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "alerts.dispatch").Logger()}
}

// Dispatch implements Dispatcher by logging at warn level.
func (d *LogDispatcher) Dispatch(ruleID string, channels []string, message string) {
	d.logger.Warn().Str("rule_id", ruleID).Strs("channels", channels).Msg(message)
}
