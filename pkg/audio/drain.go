package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a session's event channel must be
// emptied after its consumer has stopped caring about the contents.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
