package container

import (
	"context"
	"runtime"

	"github.com/nicolagi/cudagraphtrees/tensor"
	"github.com/nicolagi/cudagraphtrees/tree"
)

// Callable is a WrappedCallable: a stable handle to one installed
// function on one Container's manager. Its only operation is Run; its
// death, observed via runtime.SetFinalizer, is the sole signal that
// decrements the container's liveCallablesCount.
type Callable struct {
	container  *Container
	functionID tree.FunctionID
}

// Install registers model on c's manager (constructing it if necessary)
// and returns a Callable bound to the resulting function, holding a
// strong reference on the container for as long as the Callable itself
// is reachable.
func Install(ctx context.Context, c *Container, model tree.Model, exampleInputs []tensor.Tensor, staticInputIndices map[int]struct{}) (*Callable, error) {
	m, err := c.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	fid := m.Install(model, exampleInputs, staticInputIndices)
	callable := &Callable{container: c, functionID: fid}
	c.AddStrongRef(callable)
	return callable, nil
}

// Run applies the installed function to inputs, dispatching through the
// container's manager.
func (w *Callable) Run(ctx context.Context, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	m, err := w.container.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	outputs, err := m.Run(ctx, w.functionID, inputs)
	if err != nil {
		return nil, err
	}
	// The finalizers capture only the container, so live outputs do not
	// keep the Callable itself reachable.
	c := w.container
	for _, out := range outputs {
		if out == nil {
			continue
		}
		c.AddStorageRef()
		runtime.SetFinalizer(out, func(tensor.Tensor) {
			c.OnStorageDropped()
		})
	}
	return outputs, nil
}

// registerCallableFinalizer arranges for callable's container to observe
// its garbage collection. Split out of AddStrongRef so the finalizer
// closure captures only what it needs, not the whole Container method set.
func registerCallableFinalizer(callable *Callable) {
	runtime.SetFinalizer(callable, func(dead *Callable) {
		dead.container.OnCallableDropped()
	})
}
