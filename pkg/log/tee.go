package log

// Tee forwards one human-readable line. Every service holds a Tee that writes
// to the local logger and, when the log bus is configured, pushes the same
// line to the cc-log process.
type Tee func(line string)

// NewTee builds a Tee for the named component. Each sink receives every line;
// a nil sink is skipped.
func NewTee(component string, sinks ...func(string)) Tee {
	logger := WithComponent(component)
	return func(line string) {
		logger.Info().Msg(line)
		for _, sink := range sinks {
			if sink != nil {
				sink(line)
			}
		}
	}
}

// Discard is a Tee that drops every line. Used in tests.
func Discard(string) {}
