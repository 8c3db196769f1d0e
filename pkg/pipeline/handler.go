// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pipeline

// Handler receives the pipeline's lifecycle callbacks.
//
// OnBegin runs once on the analyze goroutine before the first cycle. OnCycle
// runs on the analyze goroutine after every cycle that saw new bytes. OnEnd
// runs once after both loops have exited. Handlers that pass session data to
// another goroutine must copy it first.
//
// Stop waits for the analyze goroutine, so OnBegin and OnCycle must not call
// it directly; they can stop the pipeline with `go p.Stop()`.
type Handler interface {
	OnBegin(s *Session)
	OnCycle(s *Session)
	OnEnd(s *Session)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Begin func(s *Session)
	Cycle func(s *Session)
	End   func(s *Session)
}

// OnBegin implements Handler
func (h HandlerFuncs) OnBegin(s *Session) {
	if h.Begin != nil {
		h.Begin(s)
	}
}

// OnCycle implements Handler
func (h HandlerFuncs) OnCycle(s *Session) {
	if h.Cycle != nil {
		h.Cycle(s)
	}
}

// OnEnd implements Handler
func (h HandlerFuncs) OnEnd(s *Session) {
	if h.End != nil {
		h.End(s)
	}
}

type multiHandler []Handler

// MultiHandler calls several handlers in order
func MultiHandler(handlers ...Handler) Handler {
	var m multiHandler
	for _, h := range handlers {
		if h != nil {
			m = append(m, h)
		}
	}
	return m
}

func (m multiHandler) OnBegin(s *Session) {
	for _, h := range m {
		h.OnBegin(s)
	}
}

func (m multiHandler) OnCycle(s *Session) {
	for _, h := range m {
		h.OnCycle(s)
	}
}

func (m multiHandler) OnEnd(s *Session) {
	for _, h := range m {
		h.OnEnd(s)
	}
}
