package containerruntime

import (
	"context"
	"sync"
)

// FakeRuntime is an in-memory Runtime for tests. Stats samples are fed by
// the test via Feed; closing a container's feed ends its stats stream with
// ErrNotFound, matching the real runtime's behavior on removal.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]Handle
	feeds      map[string]chan Sample
}

// NewFakeRuntime returns an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]Handle),
		feeds:      make(map[string]chan Sample),
	}
}

func (f *FakeRuntime) Run(_ context.Context, spec RunSpec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := Handle{ID: spec.Name, Name: spec.Name}
	f.containers[spec.Name] = h
	f.feeds[spec.Name] = make(chan Sample, 8)
	return h, nil
}

func (f *FakeRuntime) Stats(ctx context.Context, name string) (<-chan Sample, <-chan error) {
	f.mu.Lock()
	feed, ok := f.feeds[name]
	f.mu.Unlock()

	samples := make(chan Sample)
	errs := make(chan error, 1)
	if !ok {
		close(samples)
		errs <- &ErrNotFound{Name: name}
		close(errs)
		return samples, errs
	}

	go func() {
		defer close(samples)
		defer close(errs)
		for {
			select {
			case s, open := <-feed:
				if !open {
					errs <- &ErrNotFound{Name: name}
					return
				}
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return samples, errs
}

func (f *FakeRuntime) List(_ context.Context) ([]Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Handle, 0, len(f.containers))
	for _, h := range f.containers {
		out = append(out, h)
	}
	return out, nil
}

func (f *FakeRuntime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if feed, ok := f.feeds[name]; ok {
		close(feed)
		delete(f.feeds, name)
	}
	delete(f.containers, name)
	return nil
}

// Feed pushes a stats sample into name's running stream, for test use.
func (f *FakeRuntime) Feed(name string, s Sample) {
	f.mu.Lock()
	feed := f.feeds[name]
	f.mu.Unlock()
	if feed != nil {
		feed <- s
	}
}
