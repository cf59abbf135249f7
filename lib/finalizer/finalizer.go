package finalizer

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// Finalizer releases resources in the reverse order they were added.
type Finalizer struct {
	resources []io.Closer
}

// NewFinalizer returns a new Finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

// Add one or more io.Closer to the finalizer.
func (f *Finalizer) Add(cs ...io.Closer) {
	f.resources = append(f.resources, cs...)
}

// AddFn adds functions that can't fail.
func (f *Finalizer) AddFn(fns ...func()) {
	for _, fn := range fns {
		fn := fn
		f.resources = append(f.resources, closerFunc(func() error {
			fn()
			return nil
		}))
	}
}

// AddErrFn adds functions that may fail.
func (f *Finalizer) AddErrFn(fns ...func() error) {
	for _, fn := range fns {
		f.resources = append(f.resources, closerFunc(fn))
	}
}

// AddShutdown adds a context-aware shutdown function, such as a meter provider's. It is
// called with a background context.
func (f *Finalizer) AddShutdown(fn func(context.Context) error) {
	f.AddErrFn(func() error { return fn(context.Background()) })
}

// Cleanup closes every resource and returns err combined with the close errors.
func (f *Finalizer) Cleanup(err error) error {
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	for i := len(f.resources) - 1; i >= 0; i-- {
		if e := f.resources[i].Close(); e != nil {
			result = multierror.Append(result, e)
		}
	}
	f.resources = nil
	return result.ErrorOrNil()
}

// Cleanupf is Cleanup with a formatted err.
func (f *Finalizer) Cleanupf(format string, err error) error {
	if err != nil {
		return f.Cleanup(fmt.Errorf(format, err))
	}
	return f.Cleanup(nil)
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }
