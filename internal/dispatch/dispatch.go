// Package dispatch hands construction work to the loop that must own the
// result and blocks the caller until it exists.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/wtransport/internal/topology"
)

// ErrPanicked is returned when build panics on the loop.
var ErrPanicked = errors.New("dispatch: construction panicked")

// Poster is the subset of topology.Loop used to hand off work.
type Poster interface {
	Post(task topology.Task) error
	Done() <-chan struct{}
}

type result[T any] struct {
	value T
	err   error
}

// Construct runs build on loop and returns its result to the caller. The
// channel receive gives the caller a happens-before edge with everything
// build wrote.
//
// If ctx ends first the caller gets ctx.Err() and a successfully built value
// is handed to discard on the loop. If the loop stops without running build
// the caller gets topology.ErrUnavailable. A panic in build is returned as
// ErrPanicked. Calling Construct from a task running on loop deadlocks.
func Construct[T any](ctx context.Context, loop Poster, build func() (T, error), discard func(T)) (T, error) {
	var zero T

	select {
	case <-loop.Done():
		return zero, fmt.Errorf("%w: loop stopped", topology.ErrUnavailable)
	default:
	}

	slot := make(chan result[T], 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				slot <- result[T]{err: fmt.Errorf("%w: %v", ErrPanicked, r)}
			}
		}()
		v, err := build()
		slot <- result[T]{value: v, err: err}
	}

	if err := loop.Post(task); err != nil {
		return zero, err
	}

	select {
	case r := <-slot:
		return r.value, r.err
	case <-loop.Done():
		select {
		case r := <-slot:
			return r.value, r.err
		default:
			return zero, fmt.Errorf("%w: construction task dropped at teardown", topology.ErrUnavailable)
		}
	case <-ctx.Done():
		go reclaim(loop, slot, discard)
		return zero, ctx.Err()
	}
}

// Run is Construct for tasks without a result.
func Run(ctx context.Context, loop Poster, fn func() error) error {
	_, err := Construct(ctx, loop, func() (struct{}, error) {
		return struct{}{}, fn()
	}, nil)
	return err
}

// reclaim waits for an abandoned construction and discards its value on the
// loop, or inline once the loop is gone and nothing else can reach it.
func reclaim[T any](loop Poster, slot <-chan result[T], discard func(T)) {
	var r result[T]
	select {
	case r = <-slot:
	case <-loop.Done():
		select {
		case r = <-slot:
		default:
			return
		}
	}

	if r.err != nil || discard == nil {
		return
	}
	if err := loop.Post(func() { discard(r.value) }); err != nil {
		discard(r.value)
	}
}
