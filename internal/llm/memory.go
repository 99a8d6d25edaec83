package llm

import "context"

// FakeClient is an in-process Client used by pipeline tests. It replays a
// fixed sequence of deltas and optionally fails partway through.
type FakeClient struct {
	Deltas   []string
	FailWith error
}

func (f *FakeClient) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	deltas := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		for _, d := range f.Deltas {
			select {
			case deltas <- d:
			case <-ctx.Done():
				return
			}
		}
		if f.FailWith != nil {
			errs <- f.FailWith
		}
	}()

	return deltas, errs
}
