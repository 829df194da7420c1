package health

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyChain is returned when a chain has no steps.
var ErrEmptyChain = errors.New("fallback chain has no steps")

// Step is one named source in a fallback chain.
type Step[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// Chain tries its steps in order until one succeeds.
type Chain[T any] struct {
	steps []Step[T]
}

// NewChain creates a chain from steps.
func NewChain[T any](steps ...Step[T]) *Chain[T] {
	return &Chain[T]{steps: steps}
}

// Then appends a step and returns the chain.
func (c *Chain[T]) Then(name string, fn func(ctx context.Context) (T, error)) *Chain[T] {
	c.steps = append(c.steps, Step[T]{Name: name, Fn: fn})
	return c
}

// Run returns the first successful value and the name of the step that
// produced it. When every step fails the step errors are joined.
func (c *Chain[T]) Run(ctx context.Context) (T, string, error) {
	var zero T
	if len(c.steps) == 0 {
		return zero, "", ErrEmptyChain
	}

	errs := make([]error, 0, len(c.steps))
	for _, step := range c.steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		v, err := step.Fn(ctx)
		if err == nil {
			return v, step.Name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
	}
	return zero, "", errors.Join(errs...)
}
